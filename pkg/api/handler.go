// Package api exposes the classification service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/merlab/mer-backend/pkg/auth"
	"github.com/merlab/mer-backend/pkg/cleanup"
	"github.com/merlab/mer-backend/pkg/logging"
	"github.com/merlab/mer-backend/pkg/middleware"
	"github.com/merlab/mer-backend/pkg/models"
	"github.com/merlab/mer-backend/pkg/orchestrator"
	"github.com/merlab/mer-backend/pkg/queue"
	"github.com/merlab/mer-backend/pkg/ratelimit"
	"github.com/merlab/mer-backend/pkg/store"
)

// UserIDHeader carries the authenticated user id, set by the auth gateway
const UserIDHeader = middleware.UserIDHeader

const maxBodyBytes = 1 << 20

// Maintainer runs operator maintenance on the job tables
type Maintainer interface {
	Purge(ctx context.Context, status models.JobStatus) (int64, error)
	CleanupNow(ctx context.Context) int
	VacuumNow(ctx context.Context)
	GetStats() cleanup.Stats
}

// processingRoutes maps callback paths to message kinds
var processingRoutes = map[string]queue.Type{
	"completed":    queue.TypeCompleted,
	"log":          queue.TypeLog,
	"segments":     queue.TypeSegments,
	"stage-update": queue.TypeStageUpdate,
	"error":        queue.TypeError,
}

// Handler serves the song and processing endpoints
type Handler struct {
	store    store.Store
	orch     *orchestrator.Orchestrator
	logger   *logging.Logger
	purger   Maintainer
	limiter  *ratelimit.Limiter
	ws       http.Handler
	adminKey *auth.AdminKey
	proxies  *ratelimit.Proxies
}

// NewHandler creates a handler over the store and orchestrator
func NewHandler(s store.Store, o *orchestrator.Orchestrator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:  s,
		orch:   o,
		logger: logger.WithField("component", "api"),
	}
}

// SetPurger enables the /admin routes, authorized by the bearer key
func (h *Handler) SetPurger(p Maintainer, adminKey *auth.AdminKey) {
	h.purger = p
	h.adminKey = adminKey
}

// SetRateLimiter limits submissions per submitter
func (h *Handler) SetRateLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// SetTrustedProxies lets forwarding headers from p identify the client
func (h *Handler) SetTrustedProxies(p *ratelimit.Proxies) {
	h.proxies = p
}

// SetWebSocket mounts the live event endpoint on /ws
func (h *Handler) SetWebSocket(ws http.Handler) {
	h.ws = ws
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	identify := middleware.NewIdentifier(h.proxies).Middleware
	var classify http.Handler = http.HandlerFunc(h.Classify)
	if h.limiter != nil {
		classify = h.limiter.Middleware(h.proxies.UserOrIPKey)(classify)
	}
	classify = identify(classify)

	// Song routes (specific routes before parameterized ones)
	r.Handle("/songs/classify", classify).Methods("POST")
	r.HandleFunc("/songs", h.ListSongs).Methods("GET")
	r.HandleFunc("/songs/{external_id}", h.GetSong).Methods("GET")
	r.HandleFunc("/songs/{external_id}/segments", h.GetSegments).Methods("GET")
	r.HandleFunc("/songs/{external_id}/logs", h.GetLogs).Methods("GET")
	r.Handle("/songs/{external_id}/feedback", identify(http.HandlerFunc(h.AddFeedback))).Methods("POST")
	r.HandleFunc("/songs/{external_id}/feedback", h.GetFeedback).Methods("GET")

	// Pipeline callbacks
	r.HandleFunc("/processing/progress/{external_id}", h.GetProgress).Methods("GET")
	r.HandleFunc("/processing/{kind}", h.Processing).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.adminKey.Middleware)
	admin.HandleFunc("/jobs/purge", h.Purge).Methods("POST")
	admin.HandleFunc("/cleanup", h.CleanupStats).Methods("GET")
	admin.HandleFunc("/cleanup", h.RunCleanup).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.ws != nil {
		r.Handle("/ws", h.ws).Methods("GET")
	}
}

// SubmitterFromRequest resolves who is calling: the gateway's user id or,
// failing that, the client IP
func SubmitterFromRequest(r *http.Request) models.Submitter {
	return middleware.SubmitterFrom(r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// Classify handles POST /songs/classify
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.orch.Submit(r.Context(), req, SubmitterFromRequest(r))
	if err != nil {
		var dup *store.DuplicateError
		var quota *store.QuotaError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidID), errors.Is(err, store.ErrInvalidSubmitter):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &dup):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":       "Song is already being processed",
				"external_id": dup.ExternalID,
				"status":      dup.Status,
			})
		case errors.As(err, &quota):
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":  "Too many songs in progress",
				"active": quota.Active,
				"limit":  quota.Limit,
			})
		default:
			h.logger.Error("submission failed", map[string]interface{}{"error": err.Error()})
			writeError(w, http.StatusServiceUnavailable, "Classification service unavailable")
		}
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// ListSongs handles GET /songs?status=queued,processing
func (h *Handler) ListSongs(w http.ResponseWriter, r *http.Request) {
	var statuses []models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := models.ParseJobStatus(part)
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status '%s'", part))
				return
			}
			statuses = append(statuses, st)
		}
	}

	jobs, err := h.store.ListJobs(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list songs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"songs": jobs,
		"count": len(jobs),
	})
}

// song loads the latest job named by the route, writing 404 when missing
func (h *Handler) song(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := mux.Vars(r)["external_id"]
	job, err := h.store.GetJobByExternalID(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Song not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get song")
		return nil, false
	}
	return job, true
}

// GetSong handles GET /songs/{external_id}
func (h *Handler) GetSong(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.song(w, r); ok {
		writeJSON(w, http.StatusOK, job)
	}
}

// GetSegments handles GET /songs/{external_id}/segments
func (h *Handler) GetSegments(w http.ResponseWriter, r *http.Request) {
	job, ok := h.song(w, r)
	if !ok {
		return
	}
	segments, err := h.store.ListSegments(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get segments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"external_id":    job.ExternalID,
		"classification": job.Classification,
		"segments":       segments,
	})
}

// GetLogs handles GET /songs/{external_id}/logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := h.song(w, r)
	if !ok {
		return
	}
	logs, err := h.store.ListLogs(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"external_id": job.ExternalID,
		"logs":        logs,
	})
}

// AddFeedback handles POST /songs/{external_id}/feedback
func (h *Handler) AddFeedback(w http.ResponseWriter, r *http.Request) {
	var req models.FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, ok := h.song(w, r)
	if !ok {
		return
	}
	fb, err := h.store.AddFeedback(r.Context(), job.ExternalID, models.Feedback{
		Submitter:        SubmitterFromRequest(r),
		Agrees:           req.Agrees,
		SuggestedEmotion: req.SuggestedEmotion,
		Comment:          req.Comment,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save feedback")
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// GetFeedback handles GET /songs/{external_id}/feedback
func (h *Handler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	job, ok := h.song(w, r)
	if !ok {
		return
	}
	feedback, err := h.store.ListFeedback(r.Context(), job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get feedback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"external_id": job.ExternalID,
		"feedback":    feedback,
		"count":       len(feedback),
	})
}

// GetProgress handles GET /processing/progress/{external_id}
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	view, err := h.orch.Progress(r.Context(), mux.Vars(r)["external_id"])
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Song not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get progress")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Processing handles POST /processing/{kind}, the HTTP twin of the inbound
// queues. Bodies may be bare payloads or {type, data} envelopes.
func (h *Handler) Processing(w http.ResponseWriter, r *http.Request) {
	kind, ok := processingRoutes[mux.Vars(r)["kind"]]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown processing callback")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg, err := queue.Decode(body, kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := queue.Dispatch(r.Context(), h.orch, msg); err != nil {
		h.logger.Error("processing callback failed", map[string]interface{}{
			"type":    string(msg.Kind()),
			"song_id": msg.SongID(),
			"error":   err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "Failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Purge handles POST /admin/jobs/purge {"status": "..."}
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if h.purger == nil {
		writeError(w, http.StatusForbidden, "Admin API disabled")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	status, ok := models.ParseJobStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status '%s'", req.Status))
		return
	}

	deleted, err := h.purger.Purge(r.Context(), status)
	if err != nil {
		h.logger.Error("purge failed", map[string]interface{}{"status": string(status), "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "Failed to purge jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"deleted": deleted,
	})
}

// CleanupStats handles GET /admin/cleanup
func (h *Handler) CleanupStats(w http.ResponseWriter, r *http.Request) {
	if h.purger == nil {
		writeError(w, http.StatusForbidden, "Admin API disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.purger.GetStats())
}

// RunCleanup handles POST /admin/cleanup: an immediate retention pass
// followed by a vacuum
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	if h.purger == nil {
		writeError(w, http.StatusForbidden, "Admin API disabled")
		return
	}
	deleted := h.purger.CleanupNow(r.Context())
	h.purger.VacuumNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"stats":   h.purger.GetStats(),
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
