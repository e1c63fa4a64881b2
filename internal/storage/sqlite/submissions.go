package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/storage"
)

const submissionColumns = `id, assignment_id, student_id, variant_index, answers, computed_score, manual_score,
	comparison, feedback, is_late, late_penalty, final_score, attempt_number, status, auto_graded,
	submitted_at, graded_at`

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *coursework.Submission) error {
	answers, comparison, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AssignmentID, sub.StudentID, sub.VariantIndex, answers, sub.ComputedScore,
		nullFloat(sub.ManualScore), comparison, sub.Feedback, sub.IsLate, sub.LatePenalty,
		sub.FinalScore, sub.AttemptNumber, sub.Status, sub.AutoGraded,
		formatTime(sub.SubmittedAt), gradedAt(sub),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("attempt %d of student %s: %w", sub.AttemptNumber, sub.StudentID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*coursework.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, sub *coursework.Submission) error {
	_, comparison, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET computed_score = ?, manual_score = ?, comparison = ?, feedback = ?,
			is_late = ?, late_penalty = ?, final_score = ?, status = ?, auto_graded = ?, graded_at = ?
		WHERE id = ?`,
		sub.ComputedScore, nullFloat(sub.ManualScore), comparison, sub.Feedback,
		sub.IsLate, sub.LatePenalty, sub.FinalScore, sub.Status, sub.AutoGraded, gradedAt(sub),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("updating submission: %w", err)
	}
	return expectOne(res, "submission", sub.ID)
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, assignmentID, studentID string) ([]coursework.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE assignment_id = ?`
	args := []any{assignmentID}
	if studentID != "" {
		query += ` AND student_id = ?`
		args = append(args, studentID)
	}
	query += ` ORDER BY submitted_at, attempt_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	subs := []coursework.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubmission(s scanner) (*coursework.Submission, error) {
	var sub coursework.Submission
	var answers, submittedAt string
	var manual sql.NullFloat64
	var comparison, graded sql.NullString
	err := s.Scan(&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.VariantIndex, &answers,
		&sub.ComputedScore, &manual, &comparison, &sub.Feedback, &sub.IsLate, &sub.LatePenalty,
		&sub.FinalScore, &sub.AttemptNumber, &sub.Status, &sub.AutoGraded, &submittedAt, &graded)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(answers, &sub.Answers); err != nil {
		return nil, fmt.Errorf("submission %s answers: %w", sub.ID, err)
	}
	if manual.Valid {
		sub.ManualScore = &manual.Float64
	}
	if comparison.Valid && comparison.String != "" {
		if err := decodeJSON(comparison.String, &sub.Comparison); err != nil {
			return nil, fmt.Errorf("submission %s comparison: %w", sub.ID, err)
		}
	}
	sub.SubmittedAt = parseTime(submittedAt)
	if graded.Valid && graded.String != "" {
		t := parseTime(graded.String)
		sub.GradedAt = &t
	}
	return &sub, nil
}

func encodeSubmission(sub *coursework.Submission) (answers string, comparison any, err error) {
	if answers, err = encodeJSON(sub.Answers, "null"); err != nil {
		return "", nil, fmt.Errorf("marshaling answers: %w", err)
	}
	if sub.Comparison != nil {
		c, err := encodeJSON(sub.Comparison, "")
		if err != nil {
			return "", nil, fmt.Errorf("marshaling comparison: %w", err)
		}
		comparison = c
	}
	return answers, comparison, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func gradedAt(sub *coursework.Submission) any {
	if sub.GradedAt == nil {
		return nil
	}
	return formatTime(*sub.GradedAt)
}
