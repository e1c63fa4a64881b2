package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/script"
	"github.com/michaelbrown/taskforge/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		dsn = "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

const templateColumns = `id, name, kind, description, difficulty, level, generator_script, solution_script,
	test_cases, grading, tags, is_public, created_at, updated_at`

func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *coursework.Template) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	testCases, grading, tags, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Kind, t.Description, t.Difficulty, t.Level,
		string(t.GeneratorScript), string(t.SolutionScript),
		testCases, grading, tags, t.IsPublic,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*coursework.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context, opts storage.TemplateListOptions) ([]coursework.Template, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + templateColumns + ` FROM templates WHERE 1 = 1`
	var args []any

	if opts.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, opts.Kind)
	}
	if opts.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(templates.tags) WHERE value = ?)`
		args = append(args, opts.Tag)
	}
	if opts.PublicOnly {
		query += ` AND is_public = 1`
	}

	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	defer rows.Close()

	templates := []coursework.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *SQLiteStore) UpdateTemplate(ctx context.Context, t *coursework.Template) error {
	t.UpdatedAt = time.Now().UTC()
	testCases, grading, tags, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, kind = ?, description = ?, difficulty = ?, level = ?,
			generator_script = ?, solution_script = ?, test_cases = ?, grading = ?, tags = ?,
			is_public = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Kind, t.Description, t.Difficulty, t.Level,
		string(t.GeneratorScript), string(t.SolutionScript), testCases, grading, tags,
		t.IsPublic, formatTime(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating template: %w", err)
	}
	return expectOne(res, "template", t.ID)
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE template_id = ?`, id).Scan(&refs); err != nil {
		return fmt.Errorf("checking template references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("template %s has %d assignments: %w", id, refs, storage.ErrInUse)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting template: %w", err)
	}
	return expectOne(res, "template", id)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(s scanner) (*coursework.Template, error) {
	var t coursework.Template
	var gen, sol, testCases, grading, tags, createdAt, updatedAt string
	err := s.Scan(&t.ID, &t.Name, &t.Kind, &t.Description, &t.Difficulty, &t.Level,
		&gen, &sol, &testCases, &grading, &tags, &t.IsPublic, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.GeneratorScript = script.Source(gen)
	t.SolutionScript = script.Source(sol)
	if err := decodeJSON(testCases, &t.TestCases); err != nil {
		return nil, fmt.Errorf("template %s test cases: %w", t.ID, err)
	}
	if err := decodeJSON(grading, &t.Grading); err != nil {
		return nil, fmt.Errorf("template %s grading: %w", t.ID, err)
	}
	if err := decodeJSON(tags, &t.Tags); err != nil {
		return nil, fmt.Errorf("template %s tags: %w", t.ID, err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func encodeTemplate(t *coursework.Template) (testCases, grading, tags string, err error) {
	if testCases, err = encodeJSON(t.TestCases, "[]"); err != nil {
		return "", "", "", fmt.Errorf("marshaling test cases: %w", err)
	}
	if grading, err = encodeJSON(t.Grading, "{}"); err != nil {
		return "", "", "", fmt.Errorf("marshaling grading: %w", err)
	}
	if tags, err = encodeJSON(t.Tags, "[]"); err != nil {
		return "", "", "", fmt.Errorf("marshaling tags: %w", err)
	}
	return testCases, grading, tags, nil
}

func encodeJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func decodeJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// timeFormat has fixed-width fractions so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
