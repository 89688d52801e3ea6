package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merlab/mer-backend/pkg/api"
	"github.com/merlab/mer-backend/pkg/auth"
	"github.com/merlab/mer-backend/pkg/cleanup"
	"github.com/merlab/mer-backend/pkg/hub"
	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/orchestrator"
	"github.com/merlab/mer-backend/pkg/pipeline"
	"github.com/merlab/mer-backend/pkg/queue"
	"github.com/merlab/mer-backend/pkg/ratelimit"
	"github.com/merlab/mer-backend/pkg/retry"
	"github.com/merlab/mer-backend/pkg/store"
)

type stubPublisher struct {
	err   error
	count int
}

func (p *stubPublisher) PublishSubmitted(context.Context, queue.Submitted) error {
	p.count++
	return p.err
}

type testServer struct {
	router    *mux.Router
	store     *store.MemoryStore
	publisher *stubPublisher
	hub       *hub.Hub
}

const adminKey = "s3cret"

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:     store.NewMemoryStore(store.DefaultQuota()),
		publisher: &stubPublisher{},
		hub:       hub.New(nil),
	}
	cfg := orchestrator.DefaultConfig()
	cfg.PublishRetry = retry.Config{MaxRetries: 0}
	o := orchestrator.New(cfg, orchestrator.Deps{
		Store:     ts.store,
		Mirror:    pipeline.NewStaticMirror(),
		Publisher: ts.publisher,
		Notifier:  ts.hub,
	})

	key, err := auth.NewAdminKey(adminKey, "")
	require.NoError(t, err)
	h := api.NewHandler(ts.store, o, nil)
	h.SetPurger(cleanup.NewManager(cleanup.DefaultConfig(), ts.store, nil), key)
	ts.router = mux.NewRouter()
	h.RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5555"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestClassify(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/songs/classify", `{"url":"https://www.youtube.com/watch?v=abc123"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "abc123", body["external_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "1.2.3.4", body["submitter"].(map[string]interface{})["ip"])

	t.Run("Duplicate", func(t *testing.T) {
		w := ts.do("POST", "/songs/classify", `{"external_id":"abc123"}`, api.UserIDHeader, "42")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "queued", decode(t, w)["status"])
	})

	t.Run("InvalidBody", func(t *testing.T) {
		w := ts.do("POST", "/songs/classify", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("InvalidID", func(t *testing.T) {
		w := ts.do("POST", "/songs/classify", `{"url":"https://example.com/video"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Quota", func(t *testing.T) {
		for _, id := range []string{"q1", "q2"} {
			w := ts.do("POST", "/songs/classify", `{"external_id":"`+id+`"}`)
			require.Equal(t, http.StatusCreated, w.Code)
		}
		w := ts.do("POST", "/songs/classify", `{"external_id":"q3"}`)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		body := decode(t, w)
		assert.Equal(t, float64(3), body["limit"])
	})

	t.Run("BrokerDown", func(t *testing.T) {
		ts.publisher.err = errors.New("connection refused")
		defer func() { ts.publisher.err = nil }()
		w := ts.do("POST", "/songs/classify", `{"external_id":"down1"}`, api.UserIDHeader, "7")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		w = ts.do("GET", "/songs/down1", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestClassifyRateLimited(t *testing.T) {
	ts := newTestServer(t)
	h := api.NewHandler(ts.store, orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Store:     ts.store,
		Publisher: ts.publisher,
		Notifier:  ts.hub,
	}), nil)
	h.SetRateLimiter(ratelimit.NewLimiter(0.001, 1))
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	codes := make([]int, 0, 2)
	for _, id := range []string{"r1", "r2"} {
		req := httptest.NewRequest("POST", "/songs/classify", strings.NewReader(`{"external_id":"`+id+`"}`))
		req.RemoteAddr = "9.9.9.9:1"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestClassifyForwardedFor(t *testing.T) {
	t.Run("UntrustedPeer", func(t *testing.T) {
		ts := newTestServer(t)
		// Rotating X-Forwarded-For does not mint new anonymous identities
		for i, fwd := range []string{"5.5.5.1", "5.5.5.2", "5.5.5.3"} {
			id := fmt.Sprintf("f%d", i+1)
			w := ts.do("POST", "/songs/classify", `{"external_id":"`+id+`"}`, "X-Forwarded-For", fwd)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			assert.Equal(t, "1.2.3.4", decode(t, w)["submitter"].(map[string]interface{})["ip"])
		}
		w := ts.do("POST", "/songs/classify", `{"external_id":"f4"}`, "X-Forwarded-For", "5.5.5.4")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("TrustedProxy", func(t *testing.T) {
		ts := newTestServer(t)
		proxies, err := ratelimit.ParseProxies([]string{"1.2.3.4"})
		require.NoError(t, err)
		h := api.NewHandler(ts.store, orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
			Store:     ts.store,
			Publisher: ts.publisher,
			Notifier:  ts.hub,
		}), nil)
		h.SetTrustedProxies(proxies)
		ts.router = mux.NewRouter()
		h.RegisterRoutes(ts.router)

		w := ts.do("POST", "/songs/classify", `{"external_id":"p1"}`, "X-Forwarded-For", "8.8.4.4")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, "8.8.4.4", decode(t, w)["submitter"].(map[string]interface{})["ip"])
	})
}

func TestProcessingCallbacks(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do("POST", "/songs/classify", `{"external_id":"abc123"}`).Code)

	w := ts.do("POST", "/processing/stage-update", `{"songId":"abc123","stage":"download","status":"processing"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do("GET", "/processing/progress/abc123", "")
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode(t, w)
	assert.Equal(t, float64(20), progress["progress"])
	assert.Equal(t, "processing", progress["status"])
	assert.Equal(t, "download", progress["currentStage"])

	// Envelopes are accepted too
	w = ts.do("POST", "/processing/log", `{"type":"job.log","data":{"songId":"abc123","service":"dl","logMessage":"done"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do("POST", "/processing/segments", `{"songId":"abc123","segmentStart":0,"segmentEnd":15,"emotion":"Happy"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do("POST", "/processing/completed", `{"songId":"abc123","stages":{"emotion_classification":{"status":"completed","emotion":"Happy"}}}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do("GET", "/songs/abc123", "")
	require.Equal(t, http.StatusOK, w.Code)
	song := decode(t, w)
	assert.Equal(t, "processed", song["status"])
	assert.Equal(t, "Happy", song["classification"])

	w = ts.do("GET", "/processing/progress/abc123", "")
	assert.Equal(t, float64(100), decode(t, w)["progress"])

	w = ts.do("GET", "/songs/abc123/segments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["segments"], 1)

	w = ts.do("GET", "/songs/abc123/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["logs"], 1)

	t.Run("Malformed", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/processing/log", `not json`).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/processing/log", `{"service":"x"}`).Code)
		assert.Equal(t, http.StatusNotFound, ts.do("POST", "/processing/unknown", `{}`).Code)
	})

	t.Run("UnknownSong", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.do("GET", "/processing/progress/nope", "").Code)
		assert.Equal(t, http.StatusNotFound, ts.do("GET", "/songs/nope", "").Code)
	})
}

func TestListSongs(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a1", "a2"} {
		require.Equal(t, http.StatusCreated, ts.do("POST", "/songs/classify", `{"external_id":"`+id+`"}`).Code)
	}
	require.Equal(t, http.StatusOK, ts.do("POST", "/processing/error", `{"songId":"a1","error":"boom"}`).Code)

	w := ts.do("GET", "/songs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = ts.do("GET", "/songs?status=queued,processing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/songs?status=bogus", "").Code)
}

func TestFeedback(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.do("POST", "/songs/classify", `{"external_id":"f1"}`).Code)

	w := ts.do("POST", "/songs/f1/feedback", `{"agrees":false,"suggested_emotion":"Calm"}`, api.UserIDHeader, "u9")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Calm", decode(t, w)["suggested_emotion"])

	w = ts.do("GET", "/songs/f1/feedback", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	assert.Equal(t, http.StatusNotFound, ts.do("POST", "/songs/none/feedback", `{"agrees":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/songs/f1/feedback", `[`).Code)
}

func TestPurge(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.Equal(t, http.StatusCreated, ts.do("POST", "/songs/classify", `{"external_id":"`+id+`"}`, api.UserIDHeader, id).Code)
		require.NoError(t, ts.store.AppendLog(ctx, id, models.LogEntry{Service: "svc", Message: "m"}))
	}
	require.Equal(t, http.StatusOK, ts.do("POST", "/processing/stage-update", `{"songId":"p3","stage":"download","status":"processing"}`).Code)

	assert.Equal(t, http.StatusUnauthorized, ts.do("POST", "/admin/jobs/purge", `{"status":"queued"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do("POST", "/admin/jobs/purge", `{"status":"queued"}`, "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do("POST", "/admin/jobs/purge", `{"status":"nope"}`, "Authorization", "Bearer "+adminKey).Code)

	w := ts.do("POST", "/admin/jobs/purge", `{"status":"queued"}`, "Authorization", "Bearer "+adminKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2), decode(t, w)["deleted"])

	jobs, err := ts.store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "p3", jobs[0].ExternalID)
}

func TestCleanupEndpoints(t *testing.T) {
	ts := newTestServer(t)
	bearer := []string{"Authorization", "Bearer " + adminKey}

	assert.Equal(t, http.StatusUnauthorized, ts.do("GET", "/admin/cleanup", "").Code)

	w := ts.do("POST", "/admin/cleanup", "", bearer...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(0), body["deleted"])

	w = ts.do("GET", "/admin/cleanup", "", bearer...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["total_vacuum_runs"])
}

func TestPurgeDisabledWithoutKey(t *testing.T) {
	s := store.NewMemoryStore(store.DefaultQuota())
	h := api.NewHandler(s, orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{Store: s}), nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest("POST", "/admin/jobs/purge", strings.NewReader(`{"status":"queued"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestSubmitterFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, models.Submitter{IP: "10.0.0.1"}, api.SubmitterFromRequest(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, models.Submitter{IP: "10.0.0.1"}, api.SubmitterFromRequest(req))

	req.Header.Set(api.UserIDHeader, "42")
	assert.Equal(t, models.Submitter{UserID: "42"}, api.SubmitterFromRequest(req))
}
