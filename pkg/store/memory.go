package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/merlab/mer-backend/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	mu       sync.RWMutex
	quota    Quota
	nextID   int64
	jobs     map[int64]*models.Job
	logs     map[int64][]models.LogEntry
	segments map[int64][]models.Segment
	sources  map[int64]string
	feedback map[int64][]models.Feedback
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(quota Quota) *MemoryStore {
	return &MemoryStore{
		quota:    quota,
		jobs:     make(map[int64]*models.Job),
		logs:     make(map[int64][]models.LogEntry),
		segments: make(map[int64][]models.Segment),
		sources:  make(map[int64]string),
		feedback: make(map[int64][]models.Feedback),
		now:      time.Now,
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// activeJob returns the queued/processing job for an external id. Callers hold mu.
func (s *MemoryStore) activeJob(externalID string) *models.Job {
	for _, job := range s.jobs {
		if job.ExternalID == externalID && models.IsActiveState(job.Status) {
			return job
		}
	}
	return nil
}

// latestJob returns the most recent job for an external id. Callers hold mu.
func (s *MemoryStore) latestJob(externalID string) *models.Job {
	var latest *models.Job
	for _, job := range s.jobs {
		if job.ExternalID != externalID {
			continue
		}
		if latest == nil || job.ID > latest.ID {
			latest = job
		}
	}
	return latest
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	if job.Classification != nil {
		v := *job.Classification
		c.Classification = &v
	}
	return &c
}

// Submit creates a queued job after the dedup and quota checks
func (s *MemoryStore) Submit(_ context.Context, externalID string, submitter models.Submitter, sourceURL string) (*models.Job, error) {
	if !submitter.Valid() {
		return nil, ErrInvalidSubmitter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeJob(externalID); existing != nil {
		return nil, &DuplicateError{ExternalID: externalID, Status: string(existing.Status)}
	}

	// Every job not yet processed counts, including failed ones
	active := lo.CountBy(lo.Values(s.jobs), func(j *models.Job) bool {
		return j.Submitter.Key() == submitter.Key() && j.Status != models.JobStatusProcessed
	})
	if limit := s.quota.Limit(submitter); active >= limit {
		return nil, &QuotaError{Submitter: submitter.Key(), Active: active, Limit: limit}
	}

	now := s.now()
	job := &models.Job{
		ID:         s.id(),
		ExternalID: externalID,
		Submitter:  submitter,
		Status:     models.JobStatusQueued,
		SourceURL:  sourceURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[job.ID] = job
	s.sources[job.ID] = sourceURL
	return copyJob(job), nil
}

// Transition moves the active job for externalID to the given status.
// It is a no-op when no active job matches or the move is not allowed.
func (s *MemoryStore) Transition(_ context.Context, externalID string, to models.JobStatus, classification *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.activeJob(externalID)
	if job == nil {
		return false, nil
	}
	if err := models.ValidateTransition(job.Status, to); err != nil {
		return false, nil
	}

	job.Status = to
	if classification != nil {
		v := *classification
		job.Classification = &v
	}
	job.UpdatedAt = s.now()
	return true, nil
}

// Purge deletes every job in the given status along with its child records
func (s *MemoryStore) Purge(_ context.Context, status models.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, job := range s.jobs {
		if job.Status != status {
			continue
		}
		s.deleteLocked(id)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) deleteLocked(id int64) {
	delete(s.feedback, id)
	delete(s.segments, id)
	delete(s.sources, id)
	delete(s.logs, id)
	delete(s.jobs, id)
}

// DeleteJob removes a single job and its child records
func (s *MemoryStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	s.deleteLocked(id)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// GetJobByExternalID returns the most recent job for an external id
func (s *MemoryStore) GetJobByExternalID(_ context.Context, externalID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job := s.latestJob(externalID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// ListJobs returns jobs in the given statuses (all jobs when none are given), oldest first
func (s *MemoryStore) ListJobs(_ context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(statuses) > 0 && !lo.Contains(statuses, job.Status) {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// CountByStatus returns the number of jobs in each status
func (s *MemoryStore) CountByStatus(_ context.Context) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// AppendLog attaches a log entry to the latest job for externalID
func (s *MemoryStore) AppendLog(_ context.Context, externalID string, entry models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.latestJob(externalID)
	if job == nil {
		return ErrJobNotFound
	}
	entry.ID = s.id()
	entry.JobID = job.ID
	entry.CreatedAt = s.now()
	s.logs[job.ID] = append(s.logs[job.ID], entry)
	return nil
}

// ListLogs returns the log entries of a job
func (s *MemoryStore) ListLogs(_ context.Context, jobID int64) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LogEntry(nil), s.logs[jobID]...), nil
}

// AppendSegment attaches a segment to the latest job for externalID
func (s *MemoryStore) AppendSegment(_ context.Context, externalID string, segment models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.latestJob(externalID)
	if job == nil {
		return ErrJobNotFound
	}
	segment.ID = s.id()
	segment.JobID = job.ID
	segment.CreatedAt = s.now()
	s.segments[job.ID] = append(s.segments[job.ID], segment)
	return nil
}

// ListSegments returns the segments of a job
func (s *MemoryStore) ListSegments(_ context.Context, jobID int64) ([]models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Segment(nil), s.segments[jobID]...), nil
}

// AddFeedback records feedback on the latest job for externalID
func (s *MemoryStore) AddFeedback(_ context.Context, externalID string, feedback models.Feedback) (*models.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.latestJob(externalID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	feedback.ID = s.id()
	feedback.JobID = job.ID
	feedback.CreatedAt = s.now()
	s.feedback[job.ID] = append(s.feedback[job.ID], feedback)
	return &feedback, nil
}

// ListFeedback returns the feedback of a job
func (s *MemoryStore) ListFeedback(_ context.Context, jobID int64) ([]models.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Feedback(nil), s.feedback[jobID]...), nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
