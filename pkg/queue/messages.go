// Package queue carries pipeline messages over RabbitMQ: submissions out to
// the pipeline, status, log, segment, error and completion events back in.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/merlab/mer-backend/pkg/pipeline"
)

// Type identifies a message kind on the wire
type Type string

const (
	TypeCompleted   Type = "job.completed"
	TypeLog         Type = "job.log"
	TypeSegments    Type = "job.segments"
	TypeStageUpdate Type = "job.stage_update"
	TypeError       Type = "job.error"

	// TypeSubmitted is outbound only
	TypeSubmitted Type = "job.submitted"
)

// Queue names shared with the pipeline
const (
	QueueManagement  = "mer-management"
	QueueLog         = "song_processing_log"
	QueueSegments    = "song_processing_segments"
	QueueComplete    = "song_processing_complete"
	QueueStageUpdate = "pipeline_stage_update"
	QueueError       = "pipeline_error"
)

// InboundQueues maps each consumed queue to the kind it normally carries.
// The kind is used when a message arrives without an envelope.
var InboundQueues = map[string]Type{
	QueueLog:         TypeLog,
	QueueSegments:    TypeSegments,
	QueueComplete:    TypeCompleted,
	QueueStageUpdate: TypeStageUpdate,
	QueueError:       TypeError,
}

// Envelope is the wire format of every message
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps v as the data of a message of type t
func NewEnvelope(t Type, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

var ErrMissingSongID = errors.New("message does not identify a song")

// UnknownTypeError is returned for envelope types outside the inbound set
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// SongRef accepts the pipeline's song reference as a string, a number or an
// object carrying external_id
type SongRef string

func (r *SongRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = SongRef(strings.TrimSpace(s))
	case '{':
		var obj struct {
			ExternalID string `json:"external_id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = SongRef(strings.TrimSpace(obj.ExternalID))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid song reference: %s", b)
		}
		if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
			return fmt.Errorf("invalid song reference: %s", b)
		}
		*r = SongRef(n.String())
	}
	return nil
}

// songKey is embedded in every inbound message
type songKey struct {
	ExternalID string  `json:"external_id,omitempty"`
	SongRef    SongRef `json:"songId,omitempty"`
}

// SongID returns the external id, preferring the explicit field
func (k songKey) SongID() string {
	if id := strings.TrimSpace(k.ExternalID); id != "" {
		return id
	}
	return string(k.SongRef)
}

// Message is one of the five inbound kinds
type Message interface {
	Kind() Type
	SongID() string
	inbound()
}

// Completed reports that the pipeline finished a song
type Completed struct {
	songKey
	Status  string                          `json:"status,omitempty"`
	Stages  map[string]pipeline.StageStatus `json:"stages,omitempty"`
	Emotion string                          `json:"emotion,omitempty"`
	Message string                          `json:"message,omitempty"`
}

// Classification returns the emotion carried by the message, if any
func (m *Completed) Classification() string {
	if st, ok := m.Stages[pipeline.StageEmotionClassification]; ok && st.Emotion != "" {
		return st.Emotion
	}
	return m.Emotion
}

// Log is a log line from a pipeline service
type Log struct {
	songKey
	Service    string `json:"service"`
	Stage      string `json:"stage,omitempty"`
	LogMessage string `json:"logMessage"`
	Message    string `json:"message,omitempty"`
}

// Text returns the log text from whichever field carried it
func (m *Log) Text() string {
	if m.LogMessage != "" {
		return m.LogMessage
	}
	return m.Message
}

// SegmentData is one classified time range
type SegmentData struct {
	SegmentStart float64 `json:"segmentStart"`
	SegmentEnd   float64 `json:"segmentEnd"`
	Emotion      string  `json:"emotion"`
}

// Segments carries one segment inline or a batch in Segments
type Segments struct {
	songKey
	SegmentData
	Segments []SegmentData `json:"segments,omitempty"`
}

// All returns every segment in the message
func (m *Segments) All() []SegmentData {
	if len(m.Segments) > 0 {
		return m.Segments
	}
	if m.Emotion == "" && m.SegmentStart == 0 && m.SegmentEnd == 0 {
		return nil
	}
	return []SegmentData{m.SegmentData}
}

// StageUpdate reports a status change of one pipeline stage
type StageUpdate struct {
	songKey
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// Failure reports that the pipeline gave up on a song
type Failure struct {
	songKey
	Stage string `json:"stage,omitempty"`
	Error string `json:"error"`
}

func (*Completed) Kind() Type   { return TypeCompleted }
func (*Log) Kind() Type         { return TypeLog }
func (*Segments) Kind() Type    { return TypeSegments }
func (*StageUpdate) Kind() Type { return TypeStageUpdate }
func (*Failure) Kind() Type     { return TypeError }

func (*Completed) inbound()   {}
func (*Log) inbound()         {}
func (*Segments) inbound()    {}
func (*StageUpdate) inbound() {}
func (*Failure) inbound()     {}

// Submitted is published to the pipeline for every accepted song
type Submitted struct {
	JobID       int64     `json:"job_id"`
	ExternalID  string    `json:"external_id"`
	URL         string    `json:"url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// DecodeAs decodes data as a message of type t
func DecodeAs(t Type, data []byte) (Message, error) {
	var msg Message
	switch t {
	case TypeCompleted:
		msg = &Completed{}
	case TypeLog:
		msg = &Log{}
	case TypeSegments:
		msg = &Segments{}
	case TypeStageUpdate:
		msg = &StageUpdate{}
	case TypeError:
		msg = &Failure{}
	default:
		return nil, &UnknownTypeError{Type: t}
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t, err)
	}
	if msg.SongID() == "" {
		return nil, fmt.Errorf("%s: %w", t, ErrMissingSongID)
	}
	return msg, nil
}

// Decode parses a message body. Bodies without an envelope type are decoded
// as fallback when it is set.
func Decode(body []byte, fallback Type) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}
	if env.Type == "" {
		if fallback == "" {
			return nil, &UnknownTypeError{}
		}
		return DecodeAs(fallback, body)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s: missing data", env.Type)
	}
	return DecodeAs(env.Type, env.Data)
}

// Handler processes each inbound kind
type Handler interface {
	HandleCompleted(ctx context.Context, m *Completed) error
	HandleLog(ctx context.Context, m *Log) error
	HandleSegments(ctx context.Context, m *Segments) error
	HandleStageUpdate(ctx context.Context, m *StageUpdate) error
	HandleFailure(ctx context.Context, m *Failure) error
}

// Dispatch routes msg to the matching Handler method
func Dispatch(ctx context.Context, h Handler, msg Message) error {
	switch m := msg.(type) {
	case *Completed:
		return h.HandleCompleted(ctx, m)
	case *Log:
		return h.HandleLog(ctx, m)
	case *Segments:
		return h.HandleSegments(ctx, m)
	case *StageUpdate:
		return h.HandleStageUpdate(ctx, m)
	case *Failure:
		return h.HandleFailure(ctx, m)
	default:
		// Message is sealed; only a nil interface gets here
		return fmt.Errorf("cannot dispatch %T", msg)
	}
}
