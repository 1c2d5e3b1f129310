/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"
)

// rematchCoordinator tracks which players in each room asked to play again.
// Callers hold the room lock, so counts for a room are serialized with the
// rest of that room's state; mu only protects the map itself.
type rematchCoordinator struct {
	mu       sync.Mutex
	requests map[string]map[string]struct{}
}

func newRematchCoordinator() *rematchCoordinator {
	return &rematchCoordinator{
		requests: make(map[string]map[string]struct{}),
	}
}

// add records playerID's consent and returns how many players have agreed.
func (rc *rematchCoordinator) add(roomID, playerID string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	set, ok := rc.requests[roomID]
	if !ok {
		set = make(map[string]struct{}, maxPlayers)
		rc.requests[roomID] = set
	}
	set[playerID] = struct{}{}

	return len(set)
}

func (rc *rematchCoordinator) pending(roomID string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return len(rc.requests[roomID])
}

func (rc *rematchCoordinator) clear(roomID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	delete(rc.requests, roomID)
}

// RequestRematch registers consent for a new match. Once every seated player
// (exactly two) has agreed, the room is reset and round 1 is announced after
// the restart delay.
func (e *Engine) RequestRematch(roomID, playerID string) error {
	room, err := e.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return errRoomNotFound
	}

	player, _ := room.playerLocked(playerID)
	if player == nil {
		return errNotInRoom
	}

	if room.state != StateMatchFinished {
		return errMatchNotFinished
	}

	ready := e.rematch.add(room.id, playerID)
	total := len(room.players)

	logf(e.cfg, "GAMES: %q wants a rematch in %s (%d/%d)", player.name, room.id, ready, total)

	e.out.Broadcast(room.id, Event{eventWaitingForRematch, WaitingForRematchPayload{
		PlayersReady: ready,
		TotalPlayers: total,
		Room:         room.snapshotLocked(),
	}})

	if ready != total || total != maxPlayers {
		return nil
	}

	room.resetLocked(StateRoundInProgress)
	e.rematch.clear(room.id)

	logf(e.cfg, "GAMES: Restarting match in %s", room.id)

	e.out.Broadcast(room.id, Event{eventGameRestarted, GameRestartedPayload{
		Room: room.snapshotLocked(),
	}})

	epoch := room.epoch
	e.sched.Schedule(room.id, e.cfg.restartDelay, func() {
		e.announceRound(room, epoch, false)
	})

	return nil
}
