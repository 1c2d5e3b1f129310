/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"sync"
)

const (
	roomCodeLength = 6
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Registry holds every live room keyed by its code. It is the only state
// shared between rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	newCode func() string
}

func newRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		newCode: randomRoomCode,
	}
}

// randomRoomCode draws each character uniformly from roomCodeChars using
// crypto/rand, rejecting bytes that would bias the modulo.
func randomRoomCode() string {
	const limit = 256 - 256%len(roomCodeChars)

	out := make([]byte, 0, roomCodeLength)
	buf := make([]byte, roomCodeLength*2)
	for len(out) < roomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, roomCodeChars[int(b)%len(roomCodeChars)])
			if len(out) == roomCodeLength {
				break
			}
		}
	}

	return string(out)
}

// create allocates an unused code and stores a fresh room under it. setup,
// if given, runs before the room becomes visible to get.
func (reg *Registry) create(setup func(*Room)) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for {
		code := reg.newCode()
		if _, exists := reg.rooms[code]; exists {
			continue
		}

		room := newRoom(code)
		if setup != nil {
			setup(room)
		}
		reg.rooms[code] = room

		return room
	}
}

func (reg *Registry) get(code string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return reg.rooms[code]
}

func (reg *Registry) delete(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	delete(reg.rooms, code)
}

func (reg *Registry) len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.rooms)
}
