package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	external_id TEXT NOT NULL,
	user_id TEXT,
	client_ip TEXT,
	submitter_key TEXT NOT NULL,
	status TEXT NOT NULL,
	classification TEXT,
	source_url TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK ((user_id IS NULL) <> (client_ip IS NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_external_id
	ON jobs(external_id) WHERE status IN ('queued', 'processing');
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_submitter ON jobs(submitter_key, status);

CREATE TABLE IF NOT EXISTS job_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES jobs(id),
	service TEXT NOT NULL,
	stage TEXT,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id);

CREATE TABLE IF NOT EXISTS job_segments (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES jobs(id),
	segment_start DOUBLE PRECISION NOT NULL,
	segment_end DOUBLE PRECISION NOT NULL,
	emotion TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_segments_job ON job_segments(job_id);

CREATE TABLE IF NOT EXISTS job_sources (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES jobs(id),
	source_url TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES jobs(id),
	submitter_key TEXT NOT NULL,
	agrees BOOLEAN NOT NULL,
	suggested_emotion TEXT,
	comment TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_job ON feedback(job_id);
`

// unique_violation
const pqUniqueViolation = "23505"

func postgresUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == pqUniqueViolation
	}
	return false
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*SQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 5))
	db.SetConnMaxLifetime(orDefault(config.ConnMaxLifetime, 5*time.Minute))
	db.SetConnMaxIdleTime(orDefault(config.ConnMaxIdleTime, time.Minute))

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := newSQLStore(db, dialect{
		name:              "postgres",
		schema:            postgresSchema,
		numberedParams:    true,
		vacuum:            "VACUUM ANALYZE",
		isUniqueViolation: postgresUniqueViolation,
	}, config.Quota)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
