package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/variant"
)

const assignmentColumns = `id, template_id, title, due_date, seed, variant_count, options, created_at, updated_at`

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *coursework.Assignment, set *variant.Set) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if set != nil {
		seed := set.Seed
		a.Seed = &seed
		a.VariantCount = len(set.Variants)
	}

	options, err := encodeJSON(a.Options, "{}")
	if err != nil {
		return fmt.Errorf("marshaling options: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (`+assignmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.TemplateID, a.Title, formatTime(a.DueDate), nullSeed(a.Seed), a.VariantCount,
			options, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting assignment: %w", err)
		}
		if set == nil {
			return nil
		}
		return insertVariants(ctx, tx, a.ID, set.Variants)
	})
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*coursework.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying assignment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ReplaceVariants(ctx context.Context, a *coursework.Assignment, set *variant.Set) error {
	seed := set.Seed
	count := len(set.Variants)
	now := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE assignments SET seed = ?, variant_count = ?, updated_at = ? WHERE id = ?`,
			seed, count, formatTime(now), a.ID,
		)
		if err != nil {
			return fmt.Errorf("updating assignment: %w", err)
		}
		if err := expectOne(res, "assignment", a.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE assignment_id = ?`, a.ID); err != nil {
			return fmt.Errorf("clearing variants: %w", err)
		}
		return insertVariants(ctx, tx, a.ID, set.Variants)
	})
	if err != nil {
		return err
	}

	a.Seed = &seed
	a.VariantCount = count
	a.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListVariants(ctx context.Context, assignmentID string) ([]variant.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_index, input_data, solution, solution_hash
		FROM variants WHERE assignment_id = ? ORDER BY variant_index`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("listing variants: %w", err)
	}
	defer rows.Close()

	variants := []variant.Variant{}
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, *v)
	}
	return variants, rows.Err()
}

func (s *SQLiteStore) GetVariant(ctx context.Context, assignmentID string, index int) (*variant.Variant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT variant_index, input_data, solution, solution_hash
		FROM variants WHERE assignment_id = ? AND variant_index = ?`, assignmentID, index)
	v, err := scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("variant %d of assignment %s: %w", index, assignmentID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying variant: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertVariants(ctx context.Context, tx *sql.Tx, assignmentID string, variants []variant.Variant) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO variants (assignment_id, variant_index, input_data, solution, solution_hash)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing variant insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range variants {
		input, err := encodeJSON(v.InputData, "{}")
		if err != nil {
			return fmt.Errorf("marshaling variant %d input: %w", v.Index, err)
		}
		solution, err := encodeJSON(v.Solution, "{}")
		if err != nil {
			return fmt.Errorf("marshaling variant %d solution: %w", v.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, assignmentID, v.Index, input, solution, v.SolutionHash); err != nil {
			return fmt.Errorf("inserting variant %d: %w", v.Index, err)
		}
	}
	return nil
}

func scanAssignment(s scanner) (*coursework.Assignment, error) {
	var a coursework.Assignment
	var dueDate, options, createdAt, updatedAt string
	var seed sql.NullInt64
	err := s.Scan(&a.ID, &a.TemplateID, &a.Title, &dueDate, &seed, &a.VariantCount,
		&options, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if seed.Valid {
		a.Seed = &seed.Int64
	}
	if err := decodeJSON(options, &a.Options); err != nil {
		return nil, fmt.Errorf("assignment %s options: %w", a.ID, err)
	}
	a.DueDate = parseTime(dueDate)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func scanVariant(s scanner) (*variant.Variant, error) {
	var v variant.Variant
	var input, solution string
	if err := s.Scan(&v.Index, &input, &solution, &v.SolutionHash); err != nil {
		return nil, err
	}
	if err := decodeJSON(input, &v.InputData); err != nil {
		return nil, fmt.Errorf("variant %d input: %w", v.Index, err)
	}
	if err := decodeJSON(solution, &v.Solution); err != nil {
		return nil, fmt.Errorf("variant %d solution: %w", v.Index, err)
	}
	return &v, nil
}

func nullSeed(seed *int64) any {
	if seed == nil {
		return nil
	}
	return *seed
}
