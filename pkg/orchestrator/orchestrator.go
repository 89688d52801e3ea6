// Package orchestrator drives classification jobs from submission to a
// terminal state. It owns the only writes to job status and is the single
// source of progress events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/metrics"
	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/pipeline"
	"github.com/merlab/mer-backend/pkg/queue"
	"github.com/merlab/mer-backend/pkg/retry"
	"github.com/merlab/mer-backend/pkg/store"
	"github.com/merlab/mer-backend/pkg/tracing"
)

// ErrPublishFailed means the job could not be handed to the pipeline and was
// rolled back
var ErrPublishFailed = errors.New("failed to enqueue job")

// Publisher hands accepted jobs to the pipeline
type Publisher interface {
	PublishSubmitted(ctx context.Context, s queue.Submitted) error
}

// Notifier fans job events out to live subscribers
type Notifier interface {
	EmitProgress(jobID string, progress int, state string) bool
	EmitCompletion(jobID, message string)
	EmitError(jobID, errMsg, stage string)
	// Forget drops progress tracking so the next value is always sent
	Forget(jobID string)
}

// Config tunes the orchestrator
type Config struct {
	PublishRetry retry.Config
	Poller       PollerConfig
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		PublishRetry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		Poller: DefaultPollerConfig(),
	}
}

// Deps are the collaborators of an Orchestrator. Mirror, Metrics and Tracer
// may be nil.
type Deps struct {
	Store     store.Store
	Mirror    pipeline.Mirror
	Publisher Publisher
	Notifier  Notifier
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tracer    *tracing.Provider
}

// snapshot is the push-side view of a song built from stage updates
type snapshot struct {
	report *pipeline.StageReport
	seen   time.Time
}

// Orchestrator implements queue.Handler
type Orchestrator struct {
	cfg       Config
	store     store.Store
	mirror    pipeline.Mirror
	publisher Publisher
	notifier  Notifier
	logger    *logging.Logger
	metrics   *metrics.Metrics
	tracer    *tracing.Provider

	// mu also serializes every event sent to the notifier, so a progress
	// event can never follow the terminal event of the same song
	mu        sync.Mutex
	snapshots map[string]*snapshot
	ended     map[string]time.Time

	now func() time.Time
}

var _ queue.Handler = (*Orchestrator)(nil)

// New creates an orchestrator
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		mirror:    deps.Mirror,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		logger:    deps.Logger.WithField("component", "orchestrator"),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		snapshots: make(map[string]*snapshot),
		ended:     make(map[string]time.Time),
		now:       time.Now,
	}
}

// Submit validates and records a request and hands it to the pipeline.
// If the pipeline cannot be reached the job is removed again and
// ErrPublishFailed is returned.
func (o *Orchestrator) Submit(ctx context.Context, req models.SubmitRequest, submitter models.Submitter) (*models.Job, error) {
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.submit")
	defer span.End()

	id, sourceURL, err := ResolveVideoID(req)
	if err != nil {
		o.metrics.Submission(metrics.OutcomeInvalid)
		return nil, err
	}
	span.SetAttributes(attribute.String("song.id", id))

	job, err := o.store.Submit(ctx, id, submitter, sourceURL)
	if err != nil {
		switch {
		case store.IsDuplicate(err):
			o.metrics.Submission(metrics.OutcomeDuplicate)
		case store.IsQuota(err):
			o.metrics.Submission(metrics.OutcomeQuota)
		case errors.Is(err, store.ErrInvalidSubmitter):
			o.metrics.Submission(metrics.OutcomeInvalid)
		default:
			o.metrics.Submission(metrics.OutcomeError)
			tracing.SetError(ctx, err)
		}
		return nil, err
	}

	msg := queue.Submitted{
		JobID:       job.ID,
		ExternalID:  job.ExternalID,
		URL:         sourceURL,
		SubmittedAt: job.CreatedAt,
	}
	err = retry.Do(ctx, o.cfg.PublishRetry, func() error {
		return o.publisher.PublishSubmitted(ctx, msg)
	})
	if err != nil {
		tracing.SetError(ctx, err)
		o.metrics.Submission(metrics.OutcomePublishFailed)
		o.logger.Error("failed to publish job, rolling back", map[string]interface{}{
			"song_id": id,
			"job_id":  job.ID,
			"error":   err.Error(),
		})
		if derr := o.store.DeleteJob(context.WithoutCancel(ctx), job.ID); derr != nil {
			// The staleness sweep fails the orphan later
			o.logger.Error("failed to roll back job", map[string]interface{}{
				"job_id": job.ID,
				"error":  derr.Error(),
			})
		}
		return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	o.mu.Lock()
	delete(o.snapshots, id)
	delete(o.ended, id)
	o.notifier.Forget(id)
	o.notifier.EmitProgress(id, pipeline.Queued.Progress, pipeline.Queued.State)
	o.mu.Unlock()
	o.metrics.Submission(metrics.OutcomeAccepted)
	o.logger.Info("job submitted", map[string]interface{}{
		"song_id":   id,
		"job_id":    job.ID,
		"submitter": submitter.Key(),
	})
	return job, nil
}

// Progress returns the current progress of the latest job for a song. Mirror
// failures degrade to the last pushed snapshot.
func (o *Orchestrator) Progress(ctx context.Context, externalID string) (models.ProgressView, error) {
	job, err := o.store.GetJobByExternalID(ctx, externalID)
	if err != nil {
		return models.ProgressView{}, err
	}

	view := models.ProgressView{Status: job.Status}
	switch job.Status {
	case models.JobStatusProcessed:
		p := pipeline.Completed
		view.Progress, view.State, view.CurrentStage = p.Progress, p.State, p.CurrentStage
		return view, nil
	case models.JobStatusError, models.JobStatusCancelled:
		p := o.pushed(externalID)
		view.Progress, view.State, view.CurrentStage = p.Progress, string(job.Status), p.CurrentStage
		if p.FailedStage != "" {
			view.CurrentStage = p.FailedStage
		}
		return view, nil
	}

	p := o.pushed(externalID)
	if o.mirror != nil {
		report, err := o.mirror.Fetch(ctx, externalID)
		switch {
		case err != nil:
			o.logger.Warn("pipeline mirror unavailable, using last known progress", map[string]interface{}{
				"song_id": externalID,
				"error":   err.Error(),
			})
		case report != nil:
			p = pipeline.MapProgress(report)
		}
	}
	view.Progress, view.State, view.CurrentStage = p.Progress, p.State, p.CurrentStage
	return view, nil
}

// pushed maps the push snapshot of a song
func (o *Orchestrator) pushed(externalID string) pipeline.Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.snapshots[externalID]; ok {
		return pipeline.MapProgress(s.report)
	}
	return pipeline.Queued
}

// record applies a stage update to the push snapshot and returns a copy of
// the updated report. Stages only move forward, so a late or redelivered
// update leaves the stage as it is. It returns nil once the song ended.
func (o *Orchestrator) record(externalID, stage string, st pipeline.StageStatus) *pipeline.StageReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ended[externalID]; ok {
		return nil
	}

	s, ok := o.snapshots[externalID]
	if !ok {
		s = &snapshot{report: &pipeline.StageReport{
			ExternalID: externalID,
			Status:     pipeline.StatusProcessing,
			Stages:     make(map[string]pipeline.StageStatus),
		}}
		o.snapshots[externalID] = s
	}
	s.seen = o.now()
	if prev, ok := s.report.Stages[stage]; !ok || pipeline.Supersedes(prev.Status, st.Status) {
		s.report.Stages[stage] = st
	}
	s.report.UpdatedAt = s.seen

	c := *s.report
	c.Stages = make(map[string]pipeline.StageStatus, len(s.report.Stages))
	for k, v := range s.report.Stages {
		c.Stages[k] = v
	}
	return &c
}

// lastSeen returns when a stage update for the song last arrived
func (o *Orchestrator) lastSeen(externalID string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.snapshots[externalID]; ok {
		return s.seen
	}
	return time.Time{}
}

// emitProgress sends progress for a song that has not ended
func (o *Orchestrator) emitProgress(externalID string, p pipeline.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.ended[externalID]; ok {
		return
	}
	o.notifier.EmitProgress(externalID, p.Progress, p.State)
}

// prune drops snapshots of songs that are not active and were last updated
// before cutoff, and end markers older than cutoff. It returns the number of
// snapshots removed.
func (o *Orchestrator) prune(active map[string]bool, cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, s := range o.snapshots {
		if !active[id] && s.seen.Before(cutoff) {
			delete(o.snapshots, id)
			n++
		}
	}
	for id, at := range o.ended {
		if at.Before(cutoff) {
			delete(o.ended, id)
		}
	}
	return n
}

// start moves a queued job to processing
func (o *Orchestrator) start(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusQueued {
		return nil
	}
	changed, err := o.store.Transition(ctx, job.ExternalID, models.JobStatusProcessing, nil)
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", job.ExternalID, err)
	}
	if changed {
		o.logger.Info("job processing", map[string]interface{}{"song_id": job.ExternalID})
	}
	return nil
}

// finalize marks the active job processed and emits the completion events.
// Duplicate completions are ignored.
func (o *Orchestrator) finalize(ctx context.Context, externalID, classification, message string) error {
	var cls *string
	if classification != "" {
		cls = &classification
	} else {
		o.logger.Warn("completion without classification", map[string]interface{}{"song_id": externalID})
	}

	changed, err := o.store.Transition(ctx, externalID, models.JobStatusProcessed, cls)
	if err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", externalID, err)
	}
	if !changed {
		o.logger.Debug("completion for inactive job ignored", map[string]interface{}{"song_id": externalID})
		return nil
	}

	tracing.AddEvent(ctx, "job.processed", attribute.String("classification", classification))
	if message == "" {
		message = classification
	}
	o.mu.Lock()
	delete(o.snapshots, externalID)
	o.ended[externalID] = o.now()
	o.notifier.EmitProgress(externalID, pipeline.Completed.Progress, pipeline.Completed.State)
	o.notifier.EmitCompletion(externalID, message)
	o.mu.Unlock()
	o.logger.Info("job processed", map[string]interface{}{
		"song_id":        externalID,
		"classification": classification,
	})
	return nil
}

// fail marks the active job as error, records why and emits the error event
func (o *Orchestrator) fail(ctx context.Context, externalID, stage, reason string) (bool, error) {
	changed, err := o.store.Transition(ctx, externalID, models.JobStatusError, nil)
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s as error: %w", externalID, err)
	}
	if !changed {
		return false, nil
	}

	if err := o.store.AppendLog(ctx, externalID, models.LogEntry{
		Service: "orchestrator",
		Stage:   stage,
		Message: reason,
	}); err != nil {
		o.logger.Warn("failed to record job error", map[string]interface{}{
			"song_id": externalID,
			"error":   err.Error(),
		})
	}

	// The snapshot stays so progress queries can report where the job stopped
	o.mu.Lock()
	o.ended[externalID] = o.now()
	o.notifier.EmitError(externalID, reason, stage)
	o.mu.Unlock()
	o.logger.Warn("job failed", map[string]interface{}{
		"song_id": externalID,
		"stage":   stage,
		"reason":  reason,
	})
	return true, nil
}
