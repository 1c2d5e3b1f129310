package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testStartDelay   = 500 * time.Millisecond
	testRestartDelay = time.Second
	testCleanupGrace = time.Minute
)

func testConfig() *Config {
	return &Config{
		port:         8080,
		startDelay:   testStartDelay,
		restartDelay: testRestartDelay,
		cleanupGrace: testCleanupGrace,
	}
}

type sentEvent struct {
	room string
	to   []string
	ev   Event
}

// recorder is a Broadcaster that remembers every event and who it reached.
type recorder struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	sent    []sentEvent
}

func newRecorder() *recorder {
	return &recorder{members: make(map[string]map[string]bool)}
}

func (r *recorder) Subscribe(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[roomID] == nil {
		r.members[roomID] = make(map[string]bool)
	}
	r.members[roomID][connID] = true
}

func (r *recorder) Unsubscribe(roomID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members[roomID], connID)
}

func (r *recorder) Broadcast(roomID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var to []string
	for id := range r.members[roomID] {
		to = append(to, id)
	}
	r.sent = append(r.sent, sentEvent{room: roomID, to: to, ev: ev})
}

func (r *recorder) names(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for _, s := range r.sent {
		if s.room == roomID {
			names = append(names, s.ev.Name)
		}
	}
	return names
}

func (r *recorder) count(roomID, name string) int {
	n := 0
	for _, got := range r.names(roomID) {
		if got == name {
			n++
		}
	}
	return n
}

// last returns the most recent event called name in roomID.
func (r *recorder) last(t *testing.T, roomID, name string) sentEvent {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].room == roomID && r.sent[i].ev.Name == name {
			return r.sent[i]
		}
	}
	t.Fatalf("no %s event recorded for room %s", name, roomID)
	return sentEvent{}
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = nil
}

type manualTask struct {
	room string
	d    time.Duration
	fn   func()
}

// manualScheduler holds tasks until a test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []manualTask
}

func (s *manualScheduler) Schedule(roomID string, d time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = append(s.tasks, manualTask{room: roomID, d: d, fn: task})
}

func (s *manualScheduler) Cancel(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.room != roomID {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
}

func (s *manualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = nil
}

// fire runs, in order, every pending task scheduled with delay d.
func (s *manualScheduler) fire(d time.Duration) int {
	s.mu.Lock()
	var due []manualTask
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.d == d {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

func (s *manualScheduler) pending(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.d == d {
			n++
		}
	}
	return n
}

type harness struct {
	cfg    *Config
	engine *Engine
	out    *recorder
	sched  *manualScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		cfg:   testConfig(),
		out:   newRecorder(),
		sched: &manualScheduler{},
	}
	h.engine = newEngine(h.cfg, h.out, h.sched)

	return h
}

// startedRoom creates a room for p1, joins p2 and fires the start delay.
func (h *harness) startedRoom(t *testing.T) string {
	t.Helper()

	code, err := h.engine.CreateRoom("p1", "Alice")
	require.NoError(t, err)

	_, err = h.engine.JoinRoom(code, "p2", "Bob")
	require.NoError(t, err)

	require.Equal(t, 1, h.sched.fire(testStartDelay))

	return code
}

// playRound submits both choices for the current round.
func (h *harness) playRound(t *testing.T, code string, c1, c2 Choice) {
	t.Helper()

	require.NoError(t, h.engine.SubmitChoice(code, "p1", c1))
	require.NoError(t, h.engine.SubmitChoice(code, "p2", c2))
}

func (h *harness) room(t *testing.T, code string) RoomView {
	t.Helper()

	room := h.engine.rooms.get(code)
	require.NotNil(t, room)

	room.mu.Lock()
	defer room.mu.Unlock()

	return room.snapshotLocked()
}

func (h *harness) state(t *testing.T, code string) RoomState {
	t.Helper()

	room := h.engine.rooms.get(code)
	require.NotNil(t, room)

	room.mu.Lock()
	defer room.mu.Unlock()

	return room.state
}
