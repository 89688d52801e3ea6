package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/pipeline"
	"github.com/merlab/mer-backend/pkg/queue"
	"github.com/merlab/mer-backend/pkg/store"
)

// activeJob returns the latest job for a song, or nil when there is none or
// it already reached a terminal state
func (o *Orchestrator) activeJob(ctx context.Context, externalID string) (*models.Job, error) {
	job, err := o.store.GetJobByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrJobNotFound) {
		o.logger.Warn("message for unknown song dropped", map[string]interface{}{"song_id": externalID})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", externalID, err)
	}
	if !models.IsActiveState(job.Status) {
		return nil, nil
	}
	return job, nil
}

// HandleStageUpdate records a stage transition and emits the derived progress
func (o *Orchestrator) HandleStageUpdate(ctx context.Context, m *queue.StageUpdate) error {
	id := m.SongID()
	job, err := o.activeJob(ctx, id)
	if err != nil || job == nil {
		return err
	}
	if !pipeline.IsStage(m.Stage) {
		o.logger.Debug("unknown pipeline stage ignored", map[string]interface{}{
			"song_id": id,
			"stage":   m.Stage,
		})
		return nil
	}

	report := o.record(id, m.Stage, pipeline.StageStatus{
		Status:  pipeline.NormalizeStatus(m.Status),
		Emotion: m.Emotion,
		Error:   m.Message,
	})
	if report == nil {
		return nil
	}
	if err := o.start(ctx, job); err != nil {
		return err
	}

	o.emitProgress(id, pipeline.MapProgress(report))
	return nil
}

// HandleCompleted finalizes a song. The classification comes from the
// message, falling back to the pipeline mirror.
func (o *Orchestrator) HandleCompleted(ctx context.Context, m *queue.Completed) error {
	id := m.SongID()
	job, err := o.activeJob(ctx, id)
	if err != nil || job == nil {
		return err
	}

	classification := m.Classification()
	if classification == "" && o.mirror != nil {
		report, err := o.mirror.Fetch(ctx, id)
		if err != nil {
			o.logger.Warn("failed to read classification from mirror", map[string]interface{}{
				"song_id": id,
				"error":   err.Error(),
			})
		}
		classification = report.Emotion()
	}
	return o.finalize(ctx, id, classification, m.Message)
}

// HandleLog appends a pipeline log line to the song's latest job
func (o *Orchestrator) HandleLog(ctx context.Context, m *queue.Log) error {
	id := m.SongID()
	err := o.store.AppendLog(ctx, id, models.LogEntry{
		Service: m.Service,
		Stage:   m.Stage,
		Message: m.Text(),
	})
	if errors.Is(err, store.ErrJobNotFound) {
		o.logger.Warn("log for unknown song dropped", map[string]interface{}{"song_id": id})
		return nil
	}
	return err
}

// HandleSegments stores every classified segment in the message
func (o *Orchestrator) HandleSegments(ctx context.Context, m *queue.Segments) error {
	id := m.SongID()
	for _, seg := range m.All() {
		err := o.store.AppendSegment(ctx, id, models.Segment{
			Start:   seg.SegmentStart,
			End:     seg.SegmentEnd,
			Emotion: seg.Emotion,
		})
		if errors.Is(err, store.ErrJobNotFound) {
			o.logger.Warn("segments for unknown song dropped", map[string]interface{}{"song_id": id})
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleFailure marks the song's active job as error
func (o *Orchestrator) HandleFailure(ctx context.Context, m *queue.Failure) error {
	id := m.SongID()
	job, err := o.activeJob(ctx, id)
	if err != nil || job == nil {
		return err
	}

	reason := m.Error
	if reason == "" {
		reason = "pipeline reported an error"
	}
	if m.Stage != "" {
		o.record(id, m.Stage, pipeline.StageStatus{Status: pipeline.StatusFailed, Error: reason})
	}
	_, err = o.fail(ctx, id, m.Stage, reason)
	return err
}
