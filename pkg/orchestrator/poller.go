package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/pipeline"
)

// snapshotTTL bounds how long push snapshots of finished songs are kept
const snapshotTTL = time.Hour

// PollerConfig tunes the reconciliation loop
type PollerConfig struct {
	Interval    time.Duration
	Concurrency int
	// StaleAfter fails active jobs with no activity for this long. Zero disables.
	StaleAfter time.Duration
}

// DefaultPollerConfig returns the loop defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    3 * time.Second,
		Concurrency: 8,
		StaleAfter:  2 * time.Hour,
	}
}

// Poller periodically reconciles active jobs with the pipeline mirror.
// Ticks never overlap; a tick that fires while the previous one is still
// running is skipped.
type Poller struct {
	o       *Orchestrator
	cfg     PollerConfig
	running atomic.Bool
	wg      sync.WaitGroup
}

// Poller returns the reconciliation loop of this orchestrator
func (o *Orchestrator) Poller() *Poller {
	cfg := o.cfg.Poller
	def := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	return &Poller{o: o, cfg: cfg}
}

// Run polls until ctx is cancelled and waits for the tick in flight
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.o.logger.Info("poller started", map[string]interface{}{
		"interval":    p.cfg.Interval.String(),
		"concurrency": p.cfg.Concurrency,
	})

	for {
		select {
		case <-ctx.Done():
			p.o.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				p.o.metrics.PollSkipped()
				p.o.logger.Debug("previous poll still running, skipping tick")
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.running.Store(false)
				if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
					p.o.logger.Error("poll failed", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}
}

// Idle reports whether no tick is in flight
func (p *Poller) Idle() bool {
	return !p.running.Load()
}

// Tick reconciles every queued or processing job once
func (p *Poller) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { p.o.metrics.PollTick(time.Since(start)) }()

	ctx, span := p.o.tracer.StartSpan(ctx, "poller.tick")
	defer span.End()

	jobs, err := p.o.store.ListJobs(ctx, models.JobStatusQueued, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.active", len(jobs)))

	active := make(map[string]bool, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range jobs {
		active[job.ExternalID] = true
		g.Go(func() error {
			if err := p.reconcile(gctx, job); err != nil {
				p.o.logger.Warn("failed to reconcile job", map[string]interface{}{
					"song_id": job.ExternalID,
					"error":   err.Error(),
				})
			}
			return nil
		})
	}
	err = g.Wait()

	p.o.prune(active, p.o.now().Add(-snapshotTTL))
	return err
}

func (p *Poller) reconcile(ctx context.Context, job *models.Job) error {
	var report *pipeline.StageReport
	if p.o.mirror != nil {
		var err error
		report, err = p.o.mirror.Fetch(ctx, job.ExternalID)
		if err != nil {
			return err
		}
	}

	if report != nil {
		switch pipeline.NormalizeStatus(report.Status) {
		case pipeline.StatusCompleted:
			return p.o.finalize(ctx, job.ExternalID, report.Emotion(), "")
		case pipeline.StatusFailed:
			stage, reason := failedStage(report)
			_, err := p.o.fail(ctx, job.ExternalID, stage, reason)
			return err
		}

		if len(report.Stages) > 0 {
			if err := p.o.start(ctx, job); err != nil {
				return err
			}
		}
		p.o.emitProgress(job.ExternalID, pipeline.MapProgress(report))
	}

	return p.sweep(ctx, job, report)
}

// sweep fails a job nothing has reported on for StaleAfter
func (p *Poller) sweep(ctx context.Context, job *models.Job, report *pipeline.StageReport) error {
	if p.cfg.StaleAfter <= 0 {
		return nil
	}
	last := job.UpdatedAt
	if seen := p.o.lastSeen(job.ExternalID); seen.After(last) {
		last = seen
	}
	if report != nil && report.UpdatedAt.After(last) {
		last = report.UpdatedAt
	}
	idle := p.o.now().Sub(last)
	if idle < p.cfg.StaleAfter {
		return nil
	}

	changed, err := p.o.fail(ctx, job.ExternalID, "", fmt.Sprintf("no pipeline activity for %s", idle.Round(time.Second)))
	if changed {
		p.o.metrics.StaleJob()
	}
	return err
}

// failedStage returns the first failed stage of a report and its error
func failedStage(report *pipeline.StageReport) (string, string) {
	for _, name := range pipeline.Stages {
		st, ok := report.Stages[name]
		if ok && pipeline.NormalizeStatus(st.Status) == pipeline.StatusFailed {
			if st.Error != "" {
				return name, st.Error
			}
			return name, name + " failed"
		}
	}
	return "", "pipeline reported failure"
}
