// Package cleanup enforces retention on finished jobs and runs database maintenance.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/models"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled         bool
	RetentionDays   int
	Statuses        []models.JobStatus // statuses eligible for retention cleanup
	CleanupInterval time.Duration
	VacuumInterval  time.Duration
	InitialDelay    time.Duration
	DeleteBatchSize int
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		RetentionDays:   30,
		Statuses:        []models.JobStatus{models.JobStatusError, models.JobStatusCancelled},
		CleanupInterval: 24 * time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		InitialDelay:    5 * time.Minute,
		DeleteBatchSize: 100,
	}
}

// Store is the subset of store.Store used for cleanup
type Store interface {
	ListJobs(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id int64) error
	Purge(ctx context.Context, status models.JobStatus) (int64, error)
	Vacuum(ctx context.Context) error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalJobsDeleted    int64         `json:"total_jobs_deleted"`
	TotalJobsPurged     int64         `json:"total_jobs_purged"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastVacuumDuration  time.Duration `json:"last_vacuum_duration"`
}

// Manager handles automatic cleanup of old jobs and maintenance
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a new cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		store:  store,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the automatic cleanup process
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention_days": m.config.RetentionDays,
		"interval":       m.config.CleanupInterval.String(),
	})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.vacuumLoop()
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(m.config.InitialDelay):
	}
	m.cleanupOldJobs(m.ctx)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupOldJobs(m.ctx)
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.vacuum(m.ctx)
		}
	}
}

// cleanupOldJobs deletes jobs in the configured statuses that were last
// updated before the retention cutoff
func (m *Manager) cleanupOldJobs(ctx context.Context) int {
	start := m.now()
	cutoff := start.Add(-time.Duration(m.config.RetentionDays) * 24 * time.Hour)

	jobs, err := m.store.ListJobs(ctx, m.config.Statuses...)
	if err != nil {
		m.logger.Error("Failed to list jobs for cleanup", map[string]interface{}{"error": err.Error()})
		return 0
	}

	deleted := 0
	for _, job := range jobs {
		if !models.IsTerminalState(job.Status) || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.DeleteJob(ctx, job.ID); err != nil {
			m.logger.Warn("Failed to delete job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
			continue
		}
		deleted++

		// Pause between batches to avoid overloading the database
		if m.config.DeleteBatchSize > 0 && deleted%m.config.DeleteBatchSize == 0 {
			select {
			case <-ctx.Done():
				return deleted
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	duration := m.now().Sub(start)
	m.mu.Lock()
	m.stats.LastCleanupTime = m.now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.mu.Unlock()

	m.logger.Info("Job cleanup complete", map[string]interface{}{"deleted": deleted, "duration": duration.String()})
	return deleted
}

func (m *Manager) vacuum(ctx context.Context) {
	start := m.now()
	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Error("Database vacuum failed", map[string]interface{}{"error": err.Error()})
		return
	}

	duration := m.now().Sub(start)
	m.mu.Lock()
	m.stats.LastVacuumTime = m.now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", map[string]interface{}{"duration": duration.String()})
}

// Purge deletes every job in status along with its child records,
// regardless of age. It returns the number of jobs removed.
func (m *Manager) Purge(ctx context.Context, status models.JobStatus) (int64, error) {
	deleted, err := m.store.Purge(ctx, status)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.stats.TotalJobsPurged += deleted
	m.mu.Unlock()

	m.logger.Info("Purged jobs", map[string]interface{}{"status": string(status), "deleted": deleted})
	return deleted, nil
}

// CleanupNow triggers an immediate retention run
func (m *Manager) CleanupNow(ctx context.Context) int {
	return m.cleanupOldJobs(ctx)
}

// VacuumNow triggers an immediate vacuum run
func (m *Manager) VacuumNow(ctx context.Context) {
	m.vacuum(ctx)
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
