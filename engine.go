/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

// Broadcaster fans room events out to the connections subscribed to a room.
// Implementations must not block and must not call back into the Engine.
type Broadcaster interface {
	Subscribe(roomID, connID string)
	Unsubscribe(roomID, connID string)
	Broadcast(roomID string, ev Event)
}

// Engine runs the round state machine for every room. Each operation locks
// the target room for its whole duration, so two submissions racing for
// the same room are applied one after the other.
type Engine struct {
	cfg     *Config
	rooms   *Registry
	rematch *rematchCoordinator
	sched   Scheduler
	out     Broadcaster
}

func newEngine(cfg *Config, out Broadcaster, sched Scheduler) *Engine {
	return &Engine{
		cfg:     cfg,
		rooms:   newRegistry(),
		rematch: newRematchCoordinator(),
		sched:   sched,
		out:     out,
	}
}

func (e *Engine) lookup(roomID string) (*Room, error) {
	room := e.rooms.get(roomID)
	if room == nil {
		return nil, errRoomNotFound
	}
	return room, nil
}

// CreateRoom seats playerID alone in a new room and returns its code.
func (e *Engine) CreateRoom(playerID, playerName string) (string, error) {
	name, err := validateName(playerName)
	if err != nil {
		return "", err
	}

	room := e.rooms.create(func(r *Room) {
		r.seatLocked(playerID, name)
	})

	room.mu.Lock()
	defer room.mu.Unlock()

	e.out.Subscribe(room.id, playerID)

	logf(e.cfg, "GAMES: Room %s created by %q", room.id, name)

	e.out.Broadcast(room.id, Event{eventRoomCreated, RoomCreatedPayload{
		RoomID:  room.id,
		Players: room.playerViewsLocked(),
	}})

	return room.id, nil
}

// JoinRoom seats playerID as the second player. Filling the room starts the
// match; the start is announced after the configured delay.
func (e *Engine) JoinRoom(code, playerID, playerName string) (RoomView, error) {
	name, err := validateName(playerName)
	if err != nil {
		return RoomView{}, err
	}

	room, err := e.lookup(normalizeCode(code))
	if err != nil {
		return RoomView{}, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	switch {
	case room.closed:
		return RoomView{}, errRoomNotFound
	case len(room.players) >= maxPlayers:
		return RoomView{}, errRoomFull
	case room.state != StateWaitingForPlayers:
		return RoomView{}, errGameInProgress
	}

	if p, _ := room.playerLocked(playerID); p != nil {
		return RoomView{}, errAlreadyInRoom
	}

	room.seatLocked(playerID, name)
	e.out.Subscribe(room.id, playerID)

	logf(e.cfg, "GAMES: %q joined %s (%d/%d)", name, room.id, len(room.players), maxPlayers)

	e.out.Broadcast(room.id, Event{eventPlayerJoined, PlayerJoinedPayload{
		Players: room.playerViewsLocked(),
		Room:    room.snapshotLocked(),
	}})

	if len(room.players) == maxPlayers {
		room.state = StateRoundInProgress
		logf(e.cfg, "GAMES: Match starting in %s", room.id)

		epoch := room.epoch
		e.sched.Schedule(room.id, e.cfg.startDelay, func() {
			e.announceRound(room, epoch, true)
		})
	}

	return room.snapshotLocked(), nil
}

// announceRound broadcasts the start of the current round, preceded by
// game_started for the opening round of a fresh match. It does nothing if
// the room was deleted or reset after the announcement was scheduled.
func (e *Engine) announceRound(room *Room, epoch uint64, matchStart bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed || room.epoch != epoch || room.state != StateRoundInProgress {
		return
	}

	if matchStart {
		e.out.Broadcast(room.id, Event{eventGameStarted, GameStartedPayload{
			Room:    room.snapshotLocked(),
			Message: gameStartingMessage,
		}})
	}

	e.out.Broadcast(room.id, Event{eventRoundStarted, RoundStartedPayload{
		Round: room.currentRound,
		Room:  room.snapshotLocked(),
	}})
}

// SubmitChoice records playerID's gesture for the open round, replacing any
// earlier one. The second choice resolves the round before the lock is
// released.
func (e *Engine) SubmitChoice(roomID, playerID string, choice Choice) error {
	if !choice.valid() {
		return errInvalidChoice
	}

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

	if room.state != StateRoundInProgress {
		return errNoRoundInProgress
	}

	player.choice = choice

	logf(e.cfg, "GAMES: %q chose %s in %s", player.name, choice, room.id)

	if room.allChosenLocked() {
		e.resolveRoundLocked(room)
	}

	return nil
}

func (e *Engine) resolveRoundLocked(room *Room) {
	p1, p2 := room.players[0], room.players[1]

	result := RoundResult{
		Round:   room.currentRound,
		Player1: ChoiceRecord{ID: p1.id, Choice: p1.choice},
		Player2: ChoiceRecord{ID: p2.id, Choice: p2.choice},
		Winner:  drawWinner,
	}

	winnerName := drawWinner
	switch resolve(p1.choice, p2.choice) {
	case FirstWins:
		result.Winner, winnerName = p1.id, p1.name
	case SecondWins:
		result.Winner, winnerName = p2.id, p2.name
	}

	room.results = append(room.results, result)
	if result.Winner != drawWinner {
		room.scores[result.Winner]++
	}
	room.state = StateRoundResolved

	logf(e.cfg, "GAMES: Round %d in %s: %s (%d-%d)",
		result.Round, room.id, winnerName, room.scores[p1.id], room.scores[p2.id])

	e.out.Broadcast(room.id, Event{eventRoundEnded, RoundEndedPayload{
		Result: result,
		Scores: room.scoresLocked(),
		Room:   room.snapshotLocked(),
	}})
}

// AdvanceRound moves a resolved round on. The match ends as soon as anyone
// has two wins, or once the round counter runs past the last round.
func (e *Engine) AdvanceRound(roomID, playerID string) error {
	room, err := e.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return errRoomNotFound
	}

	if p, _ := room.playerLocked(playerID); p == nil {
		return errNotInRoom
	}

	if room.state != StateRoundResolved {
		return errRoundNotResolved
	}

	room.clearChoicesLocked()
	room.currentRound++

	if room.reachedWinsLocked() || room.currentRound > room.maxRounds {
		e.finishMatchLocked(room)
		return nil
	}

	room.state = StateRoundInProgress

	logf(e.cfg, "GAMES: Starting round %d in %s", room.currentRound, room.id)

	e.out.Broadcast(room.id, Event{eventRoundStarted, RoundStartedPayload{
		Round: room.currentRound,
		Room:  room.snapshotLocked(),
	}})

	return nil
}

func (e *Engine) finishMatchLocked(room *Room) {
	room.state = StateMatchFinished

	var winner *PlayerView
	if p := room.winnerLocked(); p != nil {
		v := p.view(true)
		winner = &v
		logf(e.cfg, "GAMES: Match in %s won by %q", room.id, p.name)
	} else {
		logf(e.cfg, "GAMES: Match in %s ended level", room.id)
	}

	e.out.Broadcast(room.id, Event{eventGameEnded, GameEndedPayload{
		Room:   room.snapshotLocked(),
		Winner: winner,
		Scores: room.scoresLocked(),
	}})
}

// LeaveRoom unseats playerID for good. Any pending rematch consent is
// discarded. If someone is left behind, the room goes back to waiting for
// an opponent with a fresh match; an empty room is deleted.
func (e *Engine) LeaveRoom(roomID, playerID string) error {
	room, err := e.lookup(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return errRoomNotFound
	}

	_, idx := room.playerLocked(playerID)
	if idx < 0 {
		return errNotInRoom
	}

	player := room.unseatLocked(idx)
	e.rematch.clear(room.id)
	if room.state != StateWaitingForPlayers {
		room.resetLocked(StateWaitingForPlayers)
	}

	logf(e.cfg, "GAMES: %q left %s", player.name, room.id)

	e.out.Broadcast(room.id, Event{eventPlayerLeft, PlayerLeftPayload{
		PlayerName: player.name,
		Room:       room.snapshotLocked(),
	}})
	e.out.Unsubscribe(room.id, playerID)

	switch {
	case len(room.players) == 0:
		e.closeRoomLocked(room, "empty")
	case !room.anyConnectedLocked():
		// Only disconnected seats remain and their own checks may have
		// already run.
		e.scheduleCleanupLocked(room)
	}

	return nil
}

// Disconnect marks playerID as gone without unseating it and arms a cleanup
// check. A later connection is a new identity and cannot reclaim the seat.
func (e *Engine) Disconnect(roomID, playerID string) {
	room := e.rooms.get(roomID)
	if room == nil {
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return
	}

	e.out.Unsubscribe(room.id, playerID)

	player, _ := room.playerLocked(playerID)
	if player == nil {
		return
	}
	player.connected = false

	logf(e.cfg, "GAMES: %q disconnected from %s", player.name, room.id)

	e.out.Broadcast(room.id, Event{eventPlayerDisconnected, PlayerDisconnectedPayload{
		Players: room.playerViewsLocked(),
		Room:    room.snapshotLocked(),
	}})

	e.scheduleCleanupLocked(room)
}

// Close cancels every pending delayed task.
func (e *Engine) Close() {
	e.sched.Stop()
}
