package store

import (
	"context"
	"time"

	"github.com/merlab/mer-backend/pkg/models"
)

// Store defines the interface for job persistence
// MemoryStore and SQLStore (SQLite, PostgreSQL) implement this interface
type Store interface {
	// Submission and lifecycle
	Submit(ctx context.Context, externalID string, submitter models.Submitter, sourceURL string) (*models.Job, error)
	Transition(ctx context.Context, externalID string, to models.JobStatus, classification *string) (bool, error)
	Purge(ctx context.Context, status models.JobStatus) (int64, error)
	DeleteJob(ctx context.Context, id int64) error

	// Queries
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (*models.Job, error)
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Child records
	AppendLog(ctx context.Context, externalID string, entry models.LogEntry) error
	ListLogs(ctx context.Context, jobID int64) ([]models.LogEntry, error)
	AppendSegment(ctx context.Context, externalID string, segment models.Segment) error
	ListSegments(ctx context.Context, jobID int64) ([]models.Segment, error)
	AddFeedback(ctx context.Context, externalID string, feedback models.Feedback) (*models.Feedback, error)
	ListFeedback(ctx context.Context, jobID int64) ([]models.Feedback, error)

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
	Vacuum(ctx context.Context) error
}

// Quota holds the per-submitter limits on active jobs
type Quota struct {
	Authenticated int
	Anonymous     int
}

// DefaultQuota is deliberately stricter for anonymous callers
func DefaultQuota() Quota {
	return Quota{
		Authenticated: 6,
		Anonymous:     3,
	}
}

// Limit returns the active job limit for a submitter
func (q Quota) Limit(s models.Submitter) int {
	if s.Authenticated() {
		return q.Authenticated
	}
	return q.Anonymous
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string or SQLite path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	Quota Quota
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	if config.Quota == (Quota{}) {
		config.Quota = DefaultQuota()
	}
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "mer.db"
		}
		return NewSQLiteStore(path, config.Quota)
	case "memory":
		return NewMemoryStore(config.Quota), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
