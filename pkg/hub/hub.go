// Package hub fans live job events out to connected clients.
//
// Every connection is a member of the global room and of one room per song
// it subscribed to. An event for a song reaches each connection in the union
// of the song's room and the global room exactly once.
package hub

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/merlab/mer-backend/pkg/metrics"
)

// Event names on the wire
const (
	EventProgress   = "progress"
	EventClassified = "song-classified"
	EventError      = "classification-error"
	EventSubscribed = "subscribed"
)

// GlobalRoom receives every event
const GlobalRoom = "global"

var ErrUnknownConnection = errors.New("connection is not registered")

// RoomFor returns the room of a song
func RoomFor(jobID string) string {
	return "song_" + jobID
}

// Event is one server frame
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type ProgressData struct {
	Progress int    `json:"progress"`
	SongID   string `json:"song_id"`
	State    string `json:"state"`
}

type ClassifiedData struct {
	SongID  string `json:"songId"`
	Message string `json:"message"`
}

type ErrorData struct {
	SongID string `json:"songId"`
	Error  string `json:"error"`
	Stage  string `json:"stage,omitempty"`
}

// Subscriber receives events for one connection. Send must not block; it
// reports false when the event was not accepted.
type Subscriber interface {
	Send(Event) bool
}

type member struct {
	sub   Subscriber
	rooms map[string]struct{}
}

// Hub tracks connections, their rooms and the last progress sent per song
type Hub struct {
	mu           sync.Mutex
	members      map[string]*member
	rooms        map[string]map[string]struct{}
	lastProgress map[string]int
	metrics      *metrics.Metrics
}

// New creates an empty hub
func New(m *metrics.Metrics) *Hub {
	h := &Hub{metrics: m}
	h.Reset()
	return h
}

// Reset drops every connection and all progress tracking
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members = make(map[string]*member)
	h.rooms = make(map[string]map[string]struct{})
	h.lastProgress = make(map[string]int)
}

func (h *Hub) joinLocked(connID, room string) {
	m := h.members[connID]
	m.rooms[room] = struct{}{}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][connID] = struct{}{}
}

func (h *Hub) leaveLocked(connID, room string) {
	if m, ok := h.members[connID]; ok {
		delete(m.rooms, room)
	}
	if ids, ok := h.rooms[room]; ok {
		delete(ids, connID)
		if len(ids) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Register adds a connection to the global room. Re-registering an id
// replaces its subscriber and keeps its rooms.
func (h *Hub) Register(connID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.members[connID]; ok {
		m.sub = sub
		return
	}
	h.members[connID] = &member{sub: sub, rooms: make(map[string]struct{})}
	h.joinLocked(connID, GlobalRoom)
	h.metrics.ConnectionOpened()
}

// Unregister removes a connection from every room
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return
	}
	for room := range m.rooms {
		h.leaveLocked(connID, room)
	}
	delete(h.members, connID)
	h.metrics.ConnectionClosed()
}

// Subscribe adds a connection to a song's room
func (h *Hub) Subscribe(connID, jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[connID]; !ok {
		return ErrUnknownConnection
	}
	h.joinLocked(connID, RoomFor(jobID))
	return nil
}

// Unsubscribe removes a connection from a song's room, or from every song
// room when jobID is empty. The connection stays in the global room.
func (h *Hub) Unsubscribe(connID, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return
	}
	if jobID != "" {
		h.leaveLocked(connID, RoomFor(jobID))
		return
	}
	for room := range m.rooms {
		if room != GlobalRoom {
			h.leaveLocked(connID, room)
		}
	}
}

// Rooms returns the rooms a connection belongs to
func (h *Hub) Rooms(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	return lo.Keys(m.rooms)
}

// Len returns the number of registered connections
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// targetsLocked returns the subscribers in the union of the song room and the
// global room, each once
func (h *Hub) targetsLocked(jobID string) []Subscriber {
	ids := make(map[string]struct{})
	for id := range h.rooms[RoomFor(jobID)] {
		ids[id] = struct{}{}
	}
	for id := range h.rooms[GlobalRoom] {
		ids[id] = struct{}{}
	}
	subs := make([]Subscriber, 0, len(ids))
	for id := range ids {
		subs = append(subs, h.members[id].sub)
	}
	return subs
}

func deliver(subs []Subscriber, ev Event) {
	for _, s := range subs {
		s.Send(ev)
	}
}

// EmitProgress sends a progress event unless progress equals the last value
// sent for the song. It reports whether the event was sent.
func (h *Hub) EmitProgress(jobID string, progress int, state string) bool {
	h.mu.Lock()
	if last, ok := h.lastProgress[jobID]; ok && last == progress {
		h.mu.Unlock()
		h.metrics.ProgressEvent(false)
		return false
	}
	h.lastProgress[jobID] = progress
	subs := h.targetsLocked(jobID)
	h.mu.Unlock()

	h.metrics.ProgressEvent(true)
	deliver(subs, Event{Name: EventProgress, Data: ProgressData{Progress: progress, SongID: jobID, State: state}})
	return true
}

// Forget drops the last progress value of a song so the next emit is sent
// even if it repeats it
func (h *Hub) Forget(jobID string) {
	h.mu.Lock()
	delete(h.lastProgress, jobID)
	h.mu.Unlock()
}

// EmitCompletion sends the final classification event and forgets the song's progress
func (h *Hub) EmitCompletion(jobID, message string) {
	h.mu.Lock()
	delete(h.lastProgress, jobID)
	subs := h.targetsLocked(jobID)
	h.mu.Unlock()

	deliver(subs, Event{Name: EventClassified, Data: ClassifiedData{SongID: jobID, Message: message}})
}

// EmitError sends a failure event and forgets the song's progress
func (h *Hub) EmitError(jobID, errMsg, stage string) {
	h.mu.Lock()
	delete(h.lastProgress, jobID)
	subs := h.targetsLocked(jobID)
	h.mu.Unlock()

	deliver(subs, Event{Name: EventError, Data: ErrorData{SongID: jobID, Error: errMsg, Stage: stage}})
}

// LastProgress returns the last progress value sent for a song
func (h *Hub) LastProgress(jobID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.lastProgress[jobID]
	return p, ok
}
