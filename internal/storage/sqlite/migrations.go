package sqlite

import "database/sql"

const schemaVersion = 2

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    kind             TEXT NOT NULL DEFAULT 'custom',
    description      TEXT NOT NULL DEFAULT '',
    difficulty       TEXT NOT NULL DEFAULT 'medium'
                     CHECK(difficulty IN ('easy','medium','hard','expert')),
    level            INTEGER NOT NULL DEFAULT 5,
    generator_script TEXT NOT NULL,
    solution_script  TEXT NOT NULL,
    test_cases       TEXT NOT NULL DEFAULT '[]',
    grading          TEXT NOT NULL DEFAULT '{}',
    tags             TEXT NOT NULL DEFAULT '[]',
    is_public        INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_templates_kind ON templates(kind);
CREATE INDEX IF NOT EXISTS idx_templates_updated ON templates(updated_at DESC);

CREATE TABLE IF NOT EXISTS assignments (
    id            TEXT PRIMARY KEY,
    template_id   TEXT NOT NULL REFERENCES templates(id) ON DELETE RESTRICT,
    title         TEXT NOT NULL DEFAULT '',
    due_date      TEXT NOT NULL DEFAULT '',
    seed          INTEGER,
    variant_count INTEGER NOT NULL DEFAULT 0,
    options       TEXT NOT NULL DEFAULT '{}',
    created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_assignments_template ON assignments(template_id);

CREATE TABLE IF NOT EXISTS variants (
    assignment_id TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
    variant_index INTEGER NOT NULL CHECK(variant_index >= 0),
    input_data    TEXT NOT NULL,
    solution      TEXT NOT NULL,
    solution_hash TEXT NOT NULL,
    PRIMARY KEY (assignment_id, variant_index)
);

CREATE TABLE IF NOT EXISTS submissions (
    id             TEXT PRIMARY KEY,
    assignment_id  TEXT NOT NULL REFERENCES assignments(id) ON DELETE CASCADE,
    student_id     TEXT NOT NULL,
    variant_index  INTEGER NOT NULL,
    answers        TEXT NOT NULL,
    computed_score REAL NOT NULL DEFAULT 0,
    manual_score   REAL,
    comparison     TEXT,
    feedback       TEXT NOT NULL DEFAULT '',
    is_late        INTEGER NOT NULL DEFAULT 0,
    late_penalty   REAL NOT NULL DEFAULT 0,
    final_score    REAL NOT NULL DEFAULT 0,
    attempt_number INTEGER NOT NULL DEFAULT 1,
    status         TEXT NOT NULL DEFAULT 'submitted'
                   CHECK(status IN ('submitted','graded','needs_review','returned')),
    auto_graded    INTEGER NOT NULL DEFAULT 0,
    submitted_at   DATETIME NOT NULL,
    graded_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_submissions_assignment ON submissions(assignment_id, student_id);
CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
`

// schemaV2 makes concurrent submits for the same attempt collide.
const schemaV2 = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_submissions_attempt
    ON submissions(assignment_id, student_id, attempt_number);
`

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	if current < 2 {
		if _, err := db.Exec(schemaV2); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
