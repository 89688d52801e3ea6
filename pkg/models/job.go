package models

import (
	"strings"
	"time"
)

// JobStatus represents the status of a classification job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

// AllStatuses lists every job status in lifecycle order
var AllStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusProcessed,
	JobStatusError,
	JobStatusCancelled,
}

// ParseJobStatus converts a string into a known JobStatus
func ParseJobStatus(s string) (JobStatus, bool) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if status == known {
			return status, true
		}
	}
	return "", false
}

// Job is one emotion classification request for a song, keyed by the
// external video identifier.
type Job struct {
	ID             int64     `json:"id"`
	ExternalID     string    `json:"external_id"`
	Submitter      Submitter `json:"submitter"`
	Status         JobStatus `json:"status"`
	Classification *string   `json:"classification,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Submitter identifies who submitted a job: an authenticated user or,
// failing that, the caller's IP address. Exactly one is set.
type Submitter struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// Valid reports whether exactly one of UserID and IP is set
func (s Submitter) Valid() bool {
	return (s.UserID == "") != (s.IP == "")
}

// Authenticated reports whether the submitter is a logged-in user
func (s Submitter) Authenticated() bool {
	return s.UserID != ""
}

// Key returns the quota key for the submitter
func (s Submitter) Key() string {
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return "ip:" + s.IP
}

// LogEntry is a pipeline log line attached to a job
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Service   string    `json:"service"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Segment is a classified time range of a song
type Segment struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"job_id"`
	Start     float64   `json:"segment_start"`
	End       float64   `json:"segment_end"`
	Emotion   string    `json:"emotion"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is a user's opinion on a classification result
type Feedback struct {
	ID               int64     `json:"id"`
	JobID            int64     `json:"job_id"`
	Submitter        Submitter `json:"submitter"`
	Agrees           bool      `json:"agrees"`
	SuggestedEmotion string    `json:"suggested_emotion,omitempty"`
	Comment          string    `json:"comment,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SubmitRequest is the body accepted by the classification endpoint
type SubmitRequest struct {
	URL        string `json:"url,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// FeedbackRequest is the body accepted by the feedback endpoint
type FeedbackRequest struct {
	Agrees           bool   `json:"agrees"`
	SuggestedEmotion string `json:"suggested_emotion,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

// ProgressView is the result of a progress query
type ProgressView struct {
	Progress     int       `json:"progress"`
	State        string    `json:"state"`
	Status       JobStatus `json:"status"`
	CurrentStage string    `json:"currentStage"`
}
