package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/merlab/mer-backend/pkg/models"
)

// dialect captures the differences between the SQL backends
type dialect struct {
	name              string
	schema            string
	numberedParams    bool // $1, $2 ... instead of ?
	vacuum            string
	isUniqueViolation func(error) bool
}

// SQLStore is a database/sql implementation of the data store shared by
// the SQLite and PostgreSQL backends
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	quota   Quota
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, quota Quota) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, quota: quota, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database schema
func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(s.dialect.schema)
	return err
}

// rebind rewrites ? placeholders for backends that use numbered parameters
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n parameters
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []models.JobStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

var activeStatuses = []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing}

const jobColumns = `id, external_id, user_id, client_ip, status, classification, source_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var userID, clientIP, classification, sourceURL sql.NullString
	err := row.Scan(&job.ID, &job.ExternalID, &userID, &clientIP, &job.Status,
		&classification, &sourceURL, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Submitter = models.Submitter{UserID: userID.String, IP: clientIP.String}
	job.SourceURL = sourceURL.String
	if classification.Valid {
		v := classification.String
		job.Classification = &v
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Submit creates a queued job after the dedup and quota checks, all inside one transaction
func (s *SQLStore) Submit(ctx context.Context, externalID string, submitter models.Submitter, sourceURL string) (*models.Job, error) {
	if !submitter.Valid() {
		return nil, ErrInvalidSubmitter
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	active := statusArgs(activeStatuses)

	var existing string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT status FROM jobs
		WHERE external_id = ? AND status IN (`+placeholders(len(active))+`)
		LIMIT 1
	`), append([]any{externalID}, active...)...).Scan(&existing)
	if err == nil {
		return nil, &DuplicateError{ExternalID: externalID, Status: existing}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for active job: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM jobs
		WHERE submitter_key = ? AND status <> ?
	`), submitter.Key(), string(models.JobStatusProcessed)).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count unprocessed jobs: %w", err)
	}
	if limit := s.quota.Limit(submitter); count >= limit {
		return nil, &QuotaError{Submitter: submitter.Key(), Active: count, Limit: limit}
	}

	now := s.now()
	job := &models.Job{
		ExternalID: externalID,
		Submitter:  submitter,
		Status:     models.JobStatusQueued,
		SourceURL:  sourceURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO jobs (external_id, user_id, client_ip, submitter_key, status, source_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), externalID, nullString(submitter.UserID), nullString(submitter.IP), submitter.Key(),
		string(job.Status), nullString(sourceURL), now, now).Scan(&job.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, &DuplicateError{ExternalID: externalID}
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if sourceURL != "" {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO job_sources (job_id, source_url, provider, created_at) VALUES (?, ?, ?, ?)
		`), job.ID, sourceURL, "youtube", now)
		if err != nil {
			return nil, fmt.Errorf("failed to insert job source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Transition moves the active job for externalID to the given status.
// Only rows whose current status allows the move are touched, so terminal
// jobs are never overwritten.
func (s *SQLStore) Transition(ctx context.Context, externalID string, to models.JobStatus, classification *string) (bool, error) {
	from := models.SourceStates(to)
	if len(from) == 0 {
		return false, nil
	}

	var class sql.NullString
	if classification != nil {
		class = sql.NullString{String: *classification, Valid: true}
	}

	args := []any{string(to), class, s.now(), externalID}
	args = append(args, statusArgs(from)...)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET status = ?, classification = COALESCE(?, classification), updated_at = ?
		WHERE external_id = ? AND status IN (`+placeholders(len(from))+`)
	`), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s to %s: %w", externalID, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// childTables lists tables referencing jobs, deleted before their parent rows
var childTables = []string{"feedback", "job_segments", "job_sources", "job_logs"}

// Purge deletes every job in the given status along with its child records
func (s *SQLStore) Purge(ctx context.Context, status models.JobStatus) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, table := range childTables {
		_, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM `+table+` WHERE job_id IN (SELECT id FROM jobs WHERE status = ?)
		`), string(status))
		if err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE status = ?`), string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteJob removes a single job and its child records
func (s *SQLStore) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range childTables {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE job_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return tx.Commit()
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobByExternalID returns the most recent job for an external id
func (s *SQLStore) GetJobByExternalID(ctx context.Context, externalID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM jobs WHERE external_id = ? ORDER BY id DESC LIMIT 1
	`), externalID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobs returns jobs in the given statuses (all jobs when none are given), oldest first
func (s *SQLStore) ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), statusArgs(statuses)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs in each status
func (s *SQLStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// latestJobID resolves the most recent job id for an external id
func (s *SQLStore) latestJobID(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM jobs WHERE external_id = ? ORDER BY id DESC LIMIT 1
	`), externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	return id, err
}

// AppendLog attaches a log entry to the latest job for externalID
func (s *SQLStore) AppendLog(ctx context.Context, externalID string, entry models.LogEntry) error {
	jobID, err := s.latestJobID(ctx, externalID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO job_logs (job_id, service, stage, message, created_at) VALUES (?, ?, ?, ?, ?)
	`), jobID, entry.Service, nullString(entry.Stage), entry.Message, s.now())
	return err
}

// ListLogs returns the log entries of a job
func (s *SQLStore) ListLogs(ctx context.Context, jobID int64) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, job_id, service, stage, message, created_at FROM job_logs WHERE job_id = ? ORDER BY id
	`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var stage sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Service, &stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Stage = stage.String
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// AppendSegment attaches a segment to the latest job for externalID
func (s *SQLStore) AppendSegment(ctx context.Context, externalID string, segment models.Segment) error {
	jobID, err := s.latestJobID(ctx, externalID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO job_segments (job_id, segment_start, segment_end, emotion, created_at) VALUES (?, ?, ?, ?, ?)
	`), jobID, segment.Start, segment.End, segment.Emotion, s.now())
	return err
}

// ListSegments returns the segments of a job
func (s *SQLStore) ListSegments(ctx context.Context, jobID int64) ([]models.Segment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, job_id, segment_start, segment_end, emotion, created_at
		FROM job_segments WHERE job_id = ? ORDER BY segment_start
	`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.JobID, &seg.Start, &seg.End, &seg.Emotion, &seg.CreatedAt); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// AddFeedback records feedback on the latest job for externalID
func (s *SQLStore) AddFeedback(ctx context.Context, externalID string, feedback models.Feedback) (*models.Feedback, error) {
	jobID, err := s.latestJobID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	feedback.JobID = jobID
	feedback.CreatedAt = s.now()
	err = s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO feedback (job_id, submitter_key, agrees, suggested_emotion, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), jobID, feedback.Submitter.Key(), feedback.Agrees, nullString(feedback.SuggestedEmotion),
		nullString(feedback.Comment), feedback.CreatedAt).Scan(&feedback.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}
	return &feedback, nil
}

// ListFeedback returns the feedback of a job
func (s *SQLStore) ListFeedback(ctx context.Context, jobID int64) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, job_id, submitter_key, agrees, suggested_emotion, comment, created_at
		FROM feedback WHERE job_id = ? ORDER BY id
	`), jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var f models.Feedback
		var key string
		var suggested, comment sql.NullString
		if err := rows.Scan(&f.ID, &f.JobID, &key, &f.Agrees, &suggested, &comment, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Submitter = submitterFromKey(key)
		f.SuggestedEmotion = suggested.String
		f.Comment = comment.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func submitterFromKey(key string) models.Submitter {
	if v, ok := strings.CutPrefix(key, "user:"); ok {
		return models.Submitter{UserID: v}
	}
	return models.Submitter{IP: strings.TrimPrefix(key, "ip:")}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space after large purges
func (s *SQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.vacuum)
	return err
}

var _ Store = (*SQLStore)(nil)
