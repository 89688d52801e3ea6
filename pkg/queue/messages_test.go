package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		fallback Type
		kind     Type
		songID   string
	}{
		{"completed envelope", `{"type":"job.completed","data":{"songId":{"external_id":"abc123"},"stages":{"emotion_classification":{"status":"completed","emotion":"Happy"}}}}`, "", TypeCompleted, "abc123"},
		{"log envelope", `{"type":"job.log","data":{"songId":"abc123","logMessage":"hi","service":"dl"}}`, "", TypeLog, "abc123"},
		{"segments envelope", `{"type":"job.segments","data":{"external_id":"abc123","segmentStart":0,"segmentEnd":30,"emotion":"Sad"}}`, "", TypeSegments, "abc123"},
		{"stage update envelope", `{"type":"job.stage_update","data":{"external_id":"abc123","stage":"download","status":"processing"}}`, "", TypeStageUpdate, "abc123"},
		{"error envelope", `{"type":"job.error","data":{"songId":"abc123","stage":"separation","error":"oom"}}`, "", TypeError, "abc123"},
		{"numeric song id", `{"type":"job.log","data":{"songId":42,"logMessage":"hi"}}`, "", TypeLog, "42"},
		{"bare body uses queue kind", `{"external_id":"abc123","stage":"download","status":"completed"}`, TypeStageUpdate, TypeStageUpdate, "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.body), tt.fallback)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, msg.Kind())
			assert.Equal(t, tt.songID, msg.SongID())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`), "")
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"job.exploded","data":{}}`), "")
	var unknown *UnknownTypeError
	assert.ErrorAs(t, err, &unknown)

	_, err = Decode([]byte(`{"type":"job.submitted","data":{"external_id":"x"}}`), "")
	assert.ErrorAs(t, err, &unknown, "outbound kind is not accepted inbound")

	_, err = Decode([]byte(`{"type":"job.log","data":{"logMessage":"no id"}}`), "")
	assert.ErrorIs(t, err, ErrMissingSongID)

	_, err = Decode([]byte(`{"external_id":"abc"}`), "")
	assert.ErrorAs(t, err, &unknown)

	_, err = Decode([]byte(`{"type":"job.log"}`), "")
	assert.Error(t, err)
}

func TestCompletedClassification(t *testing.T) {
	msg, err := DecodeAs(TypeCompleted, []byte(`{"external_id":"a","stages":{"emotion_classification":{"status":"completed","emotion":"Happy"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "Happy", msg.(*Completed).Classification())

	msg, err = DecodeAs(TypeCompleted, []byte(`{"external_id":"a","emotion":"Calm"}`))
	require.NoError(t, err)
	assert.Equal(t, "Calm", msg.(*Completed).Classification())
}

func TestSegmentsAll(t *testing.T) {
	msg, err := DecodeAs(TypeSegments, []byte(`{"external_id":"a","segments":[{"segmentStart":0,"segmentEnd":1,"emotion":"Sad"},{"segmentStart":1,"segmentEnd":2,"emotion":"Happy"}]}`))
	require.NoError(t, err)
	assert.Len(t, msg.(*Segments).All(), 2)

	msg, err = DecodeAs(TypeSegments, []byte(`{"external_id":"a"}`))
	require.NoError(t, err)
	assert.Empty(t, msg.(*Segments).All())
}

func TestDispatch(t *testing.T) {
	h := &recordingHandler{}
	ctx := context.Background()
	for _, m := range []Message{&Completed{}, &Log{}, &Segments{}, &StageUpdate{}, &Failure{}} {
		require.NoError(t, Dispatch(ctx, h, m))
	}
	require.Equal(t, 5, h.count())
	assert.IsType(t, &Failure{}, h.calls[4])

	assert.Error(t, Dispatch(ctx, h, nil))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeSubmitted, Submitted{JobID: 7, ExternalID: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, TypeSubmitted, env.Type)
	assert.JSONEq(t, `{"job_id":7,"external_id":"abc123","url":"","submitted_at":"0001-01-01T00:00:00Z"}`, string(env.Data))
}
