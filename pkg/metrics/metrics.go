// Package metrics exposes Prometheus instrumentation for the job tracker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mer"

// Submission outcomes
const (
	OutcomeAccepted      = "accepted"
	OutcomeDuplicate     = "duplicate"
	OutcomeQuota         = "quota"
	OutcomeInvalid       = "invalid"
	OutcomePublishFailed = "publish_failed"
	OutcomeError         = "error"
)

// Message handling outcomes
const (
	MessageOK        = "ok"
	MessageFailed    = "failed"
	MessageMalformed = "malformed"
)

// Metrics holds the service's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	submissions     *prometheus.CounterVec
	messages        *prometheus.CounterVec
	messageAttempts *prometheus.HistogramVec
	progressEvents  *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	pollSkipped     prometheus.Counter
	staleJobs       prometheus.Counter
	connections     prometheus.Gauge
}

// New creates the instruments and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Classification submissions by outcome",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Pipeline messages consumed by type and outcome",
		}, []string{"type", "outcome"}),
		messageAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handle_attempts",
			Help:      "Handler attempts needed per message",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"type"}),
		progressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events emitted or suppressed as duplicates",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_tick_duration_seconds",
			Help:      "Duration of pipeline poll ticks",
			Buckets:   prometheus.DefBuckets,
		}),
		pollSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_skipped_total",
			Help:      "Poll ticks skipped because the previous tick was still running",
		}),
		staleJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_jobs_total",
			Help:      "Jobs moved to error after exceeding the inactivity limit",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Open live notification connections",
		}),
	}

	m.Registry.MustRegister(
		m.submissions,
		m.messages,
		m.messageAttempts,
		m.progressEvents,
		m.pollDuration,
		m.pollSkipped,
		m.staleJobs,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// MustRegister adds extra collectors, such as a StoreCollector
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(cs...)
}

// Submission counts a submission outcome
func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// MessageHandled counts a consumed message and the attempts it took
func (m *Metrics) MessageHandled(msgType, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, outcome).Inc()
	if attempts > 0 {
		m.messageAttempts.WithLabelValues(msgType).Observe(float64(attempts))
	}
}

// ProgressEvent counts an emitted or suppressed progress event
func (m *Metrics) ProgressEvent(emitted bool) {
	if m == nil {
		return
	}
	if emitted {
		m.progressEvents.WithLabelValues("emitted").Inc()
	} else {
		m.progressEvents.WithLabelValues("suppressed").Inc()
	}
}

// PollTick records the duration of a poll tick
func (m *Metrics) PollTick(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

// PollSkipped counts a skipped poll tick
func (m *Metrics) PollSkipped() {
	if m == nil {
		return
	}
	m.pollSkipped.Inc()
}

// StaleJob counts a job timed out by the staleness sweep
func (m *Metrics) StaleJob() {
	if m == nil {
		return
	}
	m.staleJobs.Inc()
}

// ConnectionOpened and ConnectionClosed track the live connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
