// Package postgres implements storage.Store on PostgreSQL.
//
// New accepts an externally-owned *pgxpool.Pool; Open creates a pool from a
// DSN and the returned Store closes it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/script"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn, creates the schema and returns a Store that owns
// its pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, ownsPool: true}
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Init creates all tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			kind             TEXT NOT NULL DEFAULT 'custom',
			description      TEXT NOT NULL DEFAULT '',
			difficulty       TEXT NOT NULL DEFAULT 'medium',
			level            INTEGER NOT NULL DEFAULT 5,
			generator_script TEXT NOT NULL,
			solution_script  TEXT NOT NULL,
			test_cases       JSONB NOT NULL DEFAULT '[]',
			grading          JSONB NOT NULL DEFAULT '{}',
			tags             TEXT[] NOT NULL DEFAULT '{}',
			is_public        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS templates_kind_idx ON templates(kind)`,
		`CREATE INDEX IF NOT EXISTS templates_tags_idx ON templates USING gin (tags)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			id            TEXT PRIMARY KEY,
			template_id   TEXT NOT NULL REFERENCES templates(id) ON DELETE RESTRICT,
			title         TEXT NOT NULL DEFAULT '',
			due_date      TIMESTAMPTZ,
			seed          BIGINT,
			variant_count INTEGER NOT NULL DEFAULT 0,
			options       JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS assignments_template_idx ON assignments(template_id)`,

		`CREATE TABLE IF NOT EXISTS variants (
			assignment_id TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
			variant_index INTEGER NOT NULL CHECK (variant_index >= 0),
			input_data    JSONB NOT NULL,
			solution      JSONB NOT NULL,
			solution_hash TEXT NOT NULL,
			PRIMARY KEY (assignment_id, variant_index)
		)`,

		`CREATE TABLE IF NOT EXISTS submissions (
			id             TEXT PRIMARY KEY,
			assignment_id  TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
			student_id     TEXT NOT NULL,
			variant_index  INTEGER NOT NULL,
			answers        JSONB,
			computed_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			manual_score   DOUBLE PRECISION,
			comparison     JSONB,
			feedback       TEXT NOT NULL DEFAULT '',
			is_late        BOOLEAN NOT NULL DEFAULT FALSE,
			late_penalty   DOUBLE PRECISION NOT NULL DEFAULT 0,
			final_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			status         TEXT NOT NULL DEFAULT 'submitted'
			               CHECK (status IN ('submitted','graded','needs_review','returned')),
			auto_graded    BOOLEAN NOT NULL DEFAULT FALSE,
			submitted_at   TIMESTAMPTZ NOT NULL,
			graded_at      TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS submissions_assignment_idx ON submissions(assignment_id, student_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS submissions_attempt_idx
			ON submissions(assignment_id, student_id, attempt_number)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the pool when the Store owns it.
func (s *Store) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}

// --- Templates ---

const templateColumns = `id, name, kind, description, difficulty, level, generator_script, solution_script,
	test_cases, grading, tags, is_public, created_at, updated_at`

func (s *Store) CreateTemplate(ctx context.Context, t *coursework.Template) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	testCases, grading, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO templates (`+templateColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13, $14)`,
		t.ID, t.Name, t.Kind, t.Description, string(t.Difficulty), t.Level,
		string(t.GeneratorScript), string(t.SolutionScript), testCases, grading, tags(t.Tags),
		t.IsPublic, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*coursework.Template, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context, opts storage.TemplateListOptions) ([]coursework.Template, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + templateColumns + ` FROM templates WHERE TRUE`
	var args []any
	if opts.Kind != "" {
		args = append(args, opts.Kind)
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if opts.Tag != "" {
		args = append(args, opts.Tag)
		query += fmt.Sprintf(` AND $%d = ANY(tags)`, len(args))
	}
	if opts.PublicOnly {
		query += ` AND is_public`
	}
	args = append(args, limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list templates: %w", err)
	}
	defer rows.Close()

	templates := []coursework.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan template: %w", err)
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (s *Store) UpdateTemplate(ctx context.Context, t *coursework.Template) error {
	t.UpdatedAt = time.Now().UTC()
	testCases, grading, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE templates SET name = $1, kind = $2, description = $3, difficulty = $4, level = $5,
		   generator_script = $6, solution_script = $7, test_cases = $8::jsonb, grading = $9::jsonb,
		   tags = $10, is_public = $11, updated_at = $12
		 WHERE id = $13`,
		t.Name, t.Kind, t.Description, string(t.Difficulty), t.Level,
		string(t.GeneratorScript), string(t.SolutionScript), testCases, grading, tags(t.Tags),
		t.IsPublic, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("postgres: update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", t.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	var refs int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments WHERE template_id = $1`, id).Scan(&refs); err != nil {
		return fmt.Errorf("postgres: count template references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("template %s has %d assignments: %w", id, refs, storage.ErrInUse)
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- Assignments + Variants ---

const assignmentColumns = `id, template_id, title, due_date, seed, variant_count, options, created_at, updated_at`

func (s *Store) CreateAssignment(ctx context.Context, a *coursework.Assignment, set *variant.Set) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if set != nil {
		seed := set.Seed
		a.Seed = &seed
		a.VariantCount = len(set.Variants)
	}
	options, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("postgres: marshal options: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)`,
		a.ID, a.TemplateID, a.Title, nullTime(a.DueDate), a.Seed, a.VariantCount,
		string(options), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert assignment: %w", err)
	}
	if set != nil {
		if err := insertVariants(ctx, tx, a.ID, set.Variants); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*coursework.Assignment, error) {
	var a coursework.Assignment
	var due *time.Time
	var options []byte
	err := s.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.TemplateID, &a.Title, &due, &a.Seed, &a.VariantCount, &options, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get assignment: %w", err)
	}
	if due != nil {
		a.DueDate = due.UTC()
	}
	if err := json.Unmarshal(options, &a.Options); err != nil {
		return nil, fmt.Errorf("postgres: assignment %s options: %w", id, err)
	}
	return &a, nil
}

func (s *Store) ReplaceVariants(ctx context.Context, a *coursework.Assignment, set *variant.Set) error {
	seed := set.Seed
	count := len(set.Variants)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE assignments SET seed = $1, variant_count = $2, updated_at = $3 WHERE id = $4`,
		seed, count, now, a.ID)
	if err != nil {
		return fmt.Errorf("postgres: update assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assignment %s: %w", a.ID, storage.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM variants WHERE assignment_id = $1`, a.ID); err != nil {
		return fmt.Errorf("postgres: clear variants: %w", err)
	}
	if err := insertVariants(ctx, tx, a.ID, set.Variants); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}

	a.Seed = &seed
	a.VariantCount = count
	a.UpdatedAt = now
	return nil
}

func (s *Store) ListVariants(ctx context.Context, assignmentID string) ([]variant.Variant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT variant_index, input_data, solution, solution_hash
		 FROM variants WHERE assignment_id = $1 ORDER BY variant_index`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list variants: %w", err)
	}
	defer rows.Close()

	variants := []variant.Variant{}
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan variant: %w", err)
		}
		variants = append(variants, *v)
	}
	return variants, rows.Err()
}

func (s *Store) GetVariant(ctx context.Context, assignmentID string, index int) (*variant.Variant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT variant_index, input_data, solution, solution_hash
		 FROM variants WHERE assignment_id = $1 AND variant_index = $2`, assignmentID, index)
	v, err := scanVariant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("variant %d of assignment %s: %w", index, assignmentID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get variant: %w", err)
	}
	return v, nil
}

func insertVariants(ctx context.Context, tx pgx.Tx, assignmentID string, variants []variant.Variant) error {
	batch := &pgx.Batch{}
	for _, v := range variants {
		input, err := json.Marshal(v.InputData)
		if err != nil {
			return fmt.Errorf("postgres: marshal variant %d input: %w", v.Index, err)
		}
		solution, err := json.Marshal(v.Solution)
		if err != nil {
			return fmt.Errorf("postgres: marshal variant %d solution: %w", v.Index, err)
		}
		batch.Queue(
			`INSERT INTO variants (assignment_id, variant_index, input_data, solution, solution_hash)
			 VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)`,
			assignmentID, v.Index, string(input), string(solution), v.SolutionHash)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert variants: %w", err)
	}
	return nil
}

// --- Submissions ---

const submissionColumns = `id, assignment_id, student_id, variant_index, answers, computed_score, manual_score,
	comparison, feedback, is_late, late_penalty, final_score, attempt_number, status, auto_graded,
	submitted_at, graded_at`

func (s *Store) CreateSubmission(ctx context.Context, sub *coursework.Submission) error {
	answers, comparison, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::jsonb, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sub.ID, sub.AssignmentID, sub.StudentID, sub.VariantIndex, answers, sub.ComputedScore,
		sub.ManualScore, comparison, sub.Feedback, sub.IsLate, sub.LatePenalty, sub.FinalScore,
		sub.AttemptNumber, string(sub.Status), sub.AutoGraded, sub.SubmittedAt, sub.GradedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("attempt %d of student %s: %w", sub.AttemptNumber, sub.StudentID, storage.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert submission: %w", err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*coursework.Submission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("submission %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get submission: %w", err)
	}
	return sub, nil
}

func (s *Store) UpdateSubmission(ctx context.Context, sub *coursework.Submission) error {
	_, comparison, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET computed_score = $1, manual_score = $2, comparison = $3::jsonb,
		   feedback = $4, is_late = $5, late_penalty = $6, final_score = $7, status = $8,
		   auto_graded = $9, graded_at = $10
		 WHERE id = $11`,
		sub.ComputedScore, sub.ManualScore, comparison, sub.Feedback, sub.IsLate, sub.LatePenalty,
		sub.FinalScore, string(sub.Status), sub.AutoGraded, sub.GradedAt, sub.ID)
	if err != nil {
		return fmt.Errorf("postgres: update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s: %w", sub.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ListSubmissions(ctx context.Context, assignmentID, studentID string) ([]coursework.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE assignment_id = $1`
	args := []any{assignmentID}
	if studentID != "" {
		query += ` AND student_id = $2`
		args = append(args, studentID)
	}
	query += ` ORDER BY submitted_at, attempt_number`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list submissions: %w", err)
	}
	defer rows.Close()

	subs := []coursework.Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan submission: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// --- helpers ---

func scanTemplate(row pgx.Row) (*coursework.Template, error) {
	var t coursework.Template
	var difficulty, gen, sol string
	var testCases, grading []byte
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.Description, &difficulty, &t.Level, &gen, &sol,
		&testCases, &grading, &t.Tags, &t.IsPublic, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Difficulty = coursework.Difficulty(difficulty)
	t.GeneratorScript = script.Source(gen)
	t.SolutionScript = script.Source(sol)
	if err := json.Unmarshal(testCases, &t.TestCases); err != nil {
		return nil, fmt.Errorf("template %s test cases: %w", t.ID, err)
	}
	if err := json.Unmarshal(grading, &t.Grading); err != nil {
		return nil, fmt.Errorf("template %s grading: %w", t.ID, err)
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanVariant(row pgx.Row) (*variant.Variant, error) {
	var v variant.Variant
	var input, solution []byte
	if err := row.Scan(&v.Index, &input, &solution, &v.SolutionHash); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &v.InputData); err != nil {
		return nil, fmt.Errorf("variant %d input: %w", v.Index, err)
	}
	if err := json.Unmarshal(solution, &v.Solution); err != nil {
		return nil, fmt.Errorf("variant %d solution: %w", v.Index, err)
	}
	return &v, nil
}

func scanSubmission(row pgx.Row) (*coursework.Submission, error) {
	var sub coursework.Submission
	var answers, comparison []byte
	var status string
	err := row.Scan(&sub.ID, &sub.AssignmentID, &sub.StudentID, &sub.VariantIndex, &answers,
		&sub.ComputedScore, &sub.ManualScore, &comparison, &sub.Feedback, &sub.IsLate,
		&sub.LatePenalty, &sub.FinalScore, &sub.AttemptNumber, &status, &sub.AutoGraded,
		&sub.SubmittedAt, &sub.GradedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = coursework.Status(status)
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &sub.Answers); err != nil {
			return nil, fmt.Errorf("submission %s answers: %w", sub.ID, err)
		}
	}
	if len(comparison) > 0 {
		if err := json.Unmarshal(comparison, &sub.Comparison); err != nil {
			return nil, fmt.Errorf("submission %s comparison: %w", sub.ID, err)
		}
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()
	if sub.GradedAt != nil {
		t := sub.GradedAt.UTC()
		sub.GradedAt = &t
	}
	return &sub, nil
}

func encodeTemplate(t *coursework.Template) (testCases, grading string, err error) {
	tc := t.TestCases
	if tc == nil {
		tc = []coursework.TestCase{}
	}
	tcData, err := json.Marshal(tc)
	if err != nil {
		return "", "", fmt.Errorf("postgres: marshal test cases: %w", err)
	}
	gData, err := json.Marshal(t.Grading)
	if err != nil {
		return "", "", fmt.Errorf("postgres: marshal grading: %w", err)
	}
	return string(tcData), string(gData), nil
}

func encodeSubmission(sub *coursework.Submission) (answers string, comparison *string, err error) {
	data, err := json.Marshal(sub.Answers)
	if err != nil {
		return "", nil, fmt.Errorf("postgres: marshal answers: %w", err)
	}
	if sub.Comparison != nil {
		c, err := json.Marshal(sub.Comparison)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: marshal comparison: %w", err)
		}
		v := string(c)
		comparison = &v
	}
	return string(data), comparison, nil
}

func tags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
