package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL,
	user_id TEXT,
	client_ip TEXT,
	submitter_key TEXT NOT NULL,
	status TEXT NOT NULL,
	classification TEXT,
	source_url TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	CHECK ((user_id IS NULL) <> (client_ip IS NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_external_id
	ON jobs(external_id) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_submitter ON jobs(submitter_key, status);

CREATE TABLE IF NOT EXISTS job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	service TEXT NOT NULL,
	stage TEXT,
	message TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id);

CREATE TABLE IF NOT EXISTS job_segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	segment_start REAL NOT NULL,
	segment_end REAL NOT NULL,
	emotion TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_segments_job ON job_segments(job_id);

CREATE TABLE IF NOT EXISTS job_sources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	source_url TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	submitter_key TEXT NOT NULL,
	agrees BOOLEAN NOT NULL,
	suggested_emotion TEXT,
	comment TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_job ON feedback(job_id);
`

func sqliteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
func NewSQLiteStore(dbPath string, quota Quota) (*SQLStore, error) {
	// WAL with a single writer connection; _txlock=immediate takes the write
	// lock at BEGIN so the dedup and quota checks cannot interleave.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store, err := newSQLStore(db, dialect{
		name:              "sqlite",
		schema:            sqliteSchema,
		vacuum:            "VACUUM",
		isUniqueViolation: sqliteUniqueViolation,
	}, quota)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
