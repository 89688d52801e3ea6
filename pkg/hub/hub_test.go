package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	reject bool
}

func (r *recorder) Send(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestEmitProgressDedup(t *testing.T) {
	h := New(nil)
	sub := &recorder{}
	h.Register("c1", sub)

	sequence := []int{5, 5, 15, 15, 15, 30, 15}
	var emitted []int
	for _, p := range sequence {
		if h.EmitProgress("abc123", p, "state") {
			emitted = append(emitted, p)
		}
	}

	// Only changes relative to the previous value are sent
	assert.Equal(t, []int{5, 15, 30, 15}, emitted)
	require.Len(t, sub.all(), 4)

	last, ok := h.LastProgress("abc123")
	require.True(t, ok)
	assert.Equal(t, 15, last)
}

func TestEmitProgressPayload(t *testing.T) {
	h := New(nil)
	sub := &recorder{}
	h.Register("c1", sub)

	require.True(t, h.EmitProgress("abc123", 60, "Emotion inference in progress"))

	events := sub.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventProgress, events[0].Name)
	assert.Equal(t, ProgressData{Progress: 60, SongID: "abc123", State: "Emotion inference in progress"}, events[0].Data)
}

func TestDeliverOncePerConnection(t *testing.T) {
	h := New(nil)
	both := &recorder{}
	globalOnly := &recorder{}
	h.Register("both", both)
	h.Register("global", globalOnly)
	require.NoError(t, h.Subscribe("both", "abc123"))

	h.EmitProgress("abc123", 10, "x")
	h.EmitCompletion("abc123", "Happy")

	// A member of both the song room and the global room gets one copy
	assert.Len(t, both.all(), 2)
	assert.Len(t, globalOnly.all(), 2)
}

func TestTerminalEventsResetProgress(t *testing.T) {
	h := New(nil)
	sub := &recorder{}
	h.Register("c1", sub)

	require.True(t, h.EmitProgress("s1", 100, "completed"))
	h.EmitCompletion("s1", "Calm")
	_, ok := h.LastProgress("s1")
	assert.False(t, ok)

	// A resubmitted song starts a fresh progress sequence
	assert.True(t, h.EmitProgress("s1", 100, "completed"))

	h.EmitError("s1", "model crashed", "emotion_inference")
	_, ok = h.LastProgress("s1")
	assert.False(t, ok)

	events := sub.all()
	require.Len(t, events, 4)
	assert.Equal(t, EventClassified, events[1].Name)
	assert.Equal(t, ClassifiedData{SongID: "s1", Message: "Calm"}, events[1].Data)
	assert.Equal(t, EventError, events[3].Name)
	assert.Equal(t, ErrorData{SongID: "s1", Error: "model crashed", Stage: "emotion_inference"}, events[3].Data)
}

func TestForgetRestartsSequence(t *testing.T) {
	h := New(nil)
	sub := &recorder{}
	h.Register("c1", sub)

	require.True(t, h.EmitProgress("s1", 5, "queued"))
	assert.False(t, h.EmitProgress("s1", 5, "queued"))

	h.Forget("s1")
	_, ok := h.LastProgress("s1")
	assert.False(t, ok)
	assert.True(t, h.EmitProgress("s1", 5, "queued"))
	assert.Len(t, sub.all(), 2)

	// Unknown songs are a no-op
	h.Forget("missing")
}

func TestSubscribeUnsubscribe(t *testing.T) {
	h := New(nil)
	h.Register("c1", &recorder{})

	assert.ErrorIs(t, h.Subscribe("ghost", "s1"), ErrUnknownConnection)

	require.NoError(t, h.Subscribe("c1", "s1"))
	require.NoError(t, h.Subscribe("c1", "s2"))
	assert.ElementsMatch(t, []string{GlobalRoom, "song_s1", "song_s2"}, h.Rooms("c1"))

	h.Unsubscribe("c1", "s1")
	assert.ElementsMatch(t, []string{GlobalRoom, "song_s2"}, h.Rooms("c1"))

	h.Unsubscribe("c1", "")
	assert.ElementsMatch(t, []string{GlobalRoom}, h.Rooms("c1"))

	h.Unregister("c1")
	assert.Nil(t, h.Rooms("c1"))
	assert.Zero(t, h.Len())

	// Unknown ids are ignored
	h.Unsubscribe("c1", "s2")
	h.Unregister("c1")
}

func TestRejectingSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(nil)
	slow := &recorder{reject: true}
	fast := &recorder{}
	h.Register("slow", slow)
	h.Register("fast", fast)

	h.EmitProgress("s1", 40, "x")

	assert.Empty(t, slow.all())
	assert.Len(t, fast.all(), 1)
}

func TestReset(t *testing.T) {
	h := New(nil)
	h.Register("c1", &recorder{})
	h.EmitProgress("s1", 5, "queued")

	h.Reset()

	assert.Zero(t, h.Len())
	_, ok := h.LastProgress("s1")
	assert.False(t, ok)
	assert.True(t, h.EmitProgress("s1", 5, "queued"))
}

func TestRoomFor(t *testing.T) {
	assert.Equal(t, "song_abc123", RoomFor("abc123"))
}
