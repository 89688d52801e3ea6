// Package pipeline reads the external pipeline's per-stage status and maps
// it onto a normalized progress value.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Stage statuses reported by the pipeline
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// StageStatus is the state of a single pipeline stage
type StageStatus struct {
	Status  string `bson:"status" json:"status"`
	Emotion string `bson:"emotion,omitempty" json:"emotion,omitempty"`
	Error   string `bson:"error,omitempty" json:"error,omitempty"`
}

// StageReport is the pipeline's read-only view of one song
type StageReport struct {
	ExternalID string                 `bson:"external_id" json:"external_id"`
	Status     string                 `bson:"status" json:"status"`
	Stages     map[string]StageStatus `bson:"stages" json:"stages"`
	UpdatedAt  time.Time              `bson:"updated_at" json:"updated_at"`
}

// Emotion returns the classification carried by the final stage, if any
func (r *StageReport) Emotion() string {
	if r == nil {
		return ""
	}
	return r.Stages[StageEmotionClassification].Emotion
}

// Mirror fetches the current pipeline report for a song.
// Fetch returns nil, nil when the pipeline holds no record.
type Mirror interface {
	Fetch(ctx context.Context, externalID string) (*StageReport, error)
}

// NormalizeStatus maps the status spellings emitted by pipeline services
// onto the four canonical values
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processing", "in_progress", "running", "started":
		return StatusProcessing
	case "completed", "complete", "done", "success":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "pending", "queued", "waiting":
		return StatusPending
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}

func statusRank(status string) int {
	switch status {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Supersedes reports whether a stage at status prev may move to next.
// Stages only move forward and completed or failed is final; repeating the
// current status is allowed.
func Supersedes(prev, next string) bool {
	prev, next = NormalizeStatus(prev), NormalizeStatus(next)
	if prev == next {
		return true
	}
	p, n := statusRank(prev), statusRank(next)
	if p == 3 {
		return false
	}
	return n > p
}

// StaticMirror is an in-memory Mirror for tests and local runs
type StaticMirror struct {
	mu      sync.RWMutex
	reports map[string]*StageReport
	err     error
}

// NewStaticMirror creates an empty StaticMirror
func NewStaticMirror() *StaticMirror {
	return &StaticMirror{reports: make(map[string]*StageReport)}
}

// Set stores the report for its external id
func (m *StaticMirror) Set(report *StageReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ExternalID] = copyReport(report)
}

// Delete removes a report
func (m *StaticMirror) Delete(externalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reports, externalID)
}

// SetError makes every Fetch fail with err until cleared with nil
func (m *StaticMirror) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Fetch implements Mirror
func (m *StaticMirror) Fetch(_ context.Context, externalID string) (*StageReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.reports[externalID]
	if !ok {
		return nil, nil
	}
	return copyReport(r), nil
}

func copyReport(r *StageReport) *StageReport {
	c := *r
	c.Stages = make(map[string]StageStatus, len(r.Stages))
	for k, v := range r.Stages {
		c.Stages[k] = v
	}
	return &c
}
