package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlab/mer-backend/pkg/models"
)

type fakeCounter struct {
	counts map[models.JobStatus]int
	err    error
}

func (f fakeCounter) CountByStatus(context.Context) (map[models.JobStatus]int, error) {
	return f.counts, f.err
}

func TestCounters(t *testing.T) {
	m := New()

	m.Submission(OutcomeAccepted)
	m.Submission(OutcomeAccepted)
	m.Submission(OutcomeDuplicate)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues(OutcomeDuplicate)))

	m.ProgressEvent(true)
	m.ProgressEvent(false)
	m.ProgressEvent(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.progressEvents.WithLabelValues("suppressed")))

	m.MessageHandled("job.log", MessageOK, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("job.log", MessageOK)))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Submission(OutcomeAccepted)
	m.PollSkipped()
	m.StaleJob()
	m.ConnectionOpened()
	m.MustRegister(NewStoreCollector(fakeCounter{}))
}

func TestStoreCollector(t *testing.T) {
	c := NewStoreCollector(fakeCounter{counts: map[models.JobStatus]int{
		models.JobStatusQueued:    2,
		models.JobStatusProcessed: 5,
	}})

	expected := `
# HELP mer_jobs Number of jobs by status
# TYPE mer_jobs gauge
mer_jobs{status="cancelled"} 0
mer_jobs{status="error"} 0
mer_jobs{status="processed"} 5
mer_jobs{status="processing"} 0
mer_jobs{status="queued"} 2
# HELP mer_store_up Whether the last store query succeeded
# TYPE mer_store_up gauge
mer_store_up 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mer_jobs", "mer_store_up"))
}

func TestStoreCollectorDown(t *testing.T) {
	c := NewStoreCollector(fakeCounter{err: errors.New("db gone")})
	expected := `
# HELP mer_store_up Whether the last store query succeeded
# TYPE mer_store_up gauge
mer_store_up 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mer_store_up"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.MustRegister(NewStoreCollector(fakeCounter{counts: map[models.JobStatus]int{}}))
	m.PollSkipped()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mer_poll_ticks_skipped_total 1")
	assert.Contains(t, rr.Body.String(), `mer_jobs{status="queued"} 0`)
}
