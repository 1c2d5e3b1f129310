/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"
	"time"
)

// Scheduler runs delayed, per-room tasks. Cancel drops every pending task
// for a room; Stop drops everything and refuses new work.
type Scheduler interface {
	Schedule(roomID string, d time.Duration, task func())
	Cancel(roomID string)
	Stop()
}

type timerScheduler struct {
	mu      sync.Mutex
	timers  map[string]map[*time.Timer]struct{}
	stopped bool
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{
		timers: make(map[string]map[*time.Timer]struct{}),
	}
}

func (s *timerScheduler) Schedule(roomID string, d time.Duration, task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	var t *time.Timer
	// The callback cannot observe t before it is assigned: it needs s.mu first.
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		if set, ok := s.timers[roomID]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(s.timers, roomID)
			}
		}
		s.mu.Unlock()

		runTask(roomID, task)
	})

	set, ok := s.timers[roomID]
	if !ok {
		set = make(map[*time.Timer]struct{})
		s.timers[roomID] = set
	}
	set[t] = struct{}{}
}

// runTask contains a panic in a delayed task so it cannot take the process down.
func runTask(roomID string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			errorf("delayed task for room %s: %v", roomID, r)
		}
	}()

	task()
}

func (s *timerScheduler) Cancel(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t := range s.timers[roomID] {
		t.Stop()
	}
	delete(s.timers, roomID)
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for roomID, set := range s.timers {
		for t := range set {
			t.Stop()
		}
		delete(s.timers, roomID)
	}
}

func (s *timerScheduler) pending(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers[roomID])
}

// scheduleCleanupLocked arms one independent inactivity check for room.
func (e *Engine) scheduleCleanupLocked(room *Room) {
	e.sched.Schedule(room.id, e.cfg.cleanupGrace, func() {
		e.sweep(room)
	})
}

// sweep deletes room if nobody in it is connected any more.
func (e *Engine) sweep(room *Room) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return
	}

	if room.anyConnectedLocked() {
		logf(e.cfg, "CLEAN: Room %s still has connected players", room.id)
		return
	}

	e.closeRoomLocked(room, "inactivity")
}

// closeRoomLocked removes room from the registry and drops everything that
// still refers to it.
func (e *Engine) closeRoomLocked(room *Room, reason string) {
	room.closed = true
	e.rooms.delete(room.id)
	e.rematch.clear(room.id)
	e.sched.Cancel(room.id)

	logf(e.cfg, "CLEAN: Room %s deleted (%s)", room.id, reason)
}
