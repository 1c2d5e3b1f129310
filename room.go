/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	maxPlayers    = 2
	maxRounds     = 3
	winsNeeded    = 2
	maxNameLength = 20
	drawWinner    = "draw"
)

type Choice string

const (
	Rock     Choice = "rock"
	Paper    Choice = "paper"
	Scissors Choice = "scissors"
)

// beats maps each gesture to the one it defeats.
var beats = map[Choice]Choice{
	Rock:     Scissors,
	Scissors: Paper,
	Paper:    Rock,
}

func (c Choice) valid() bool {
	_, ok := beats[c]
	return ok
}

type Outcome int

const (
	Draw Outcome = iota
	FirstWins
	SecondWins
)

func (o Outcome) String() string {
	switch o {
	case FirstWins:
		return "first"
	case SecondWins:
		return "second"
	default:
		return drawWinner
	}
}

// resolve compares two valid gestures.
func resolve(a, b Choice) Outcome {
	switch {
	case a == b:
		return Draw
	case beats[a] == b:
		return FirstWins
	default:
		return SecondWins
	}
}

type RoomState int

const (
	StateWaitingForPlayers RoomState = iota
	StateRoundInProgress
	StateRoundResolved
	StateMatchFinished
)

func (s RoomState) String() string {
	switch s {
	case StateRoundInProgress:
		return "ROUND_IN_PROGRESS"
	case StateRoundResolved:
		return "ROUND_RESOLVED"
	case StateMatchFinished:
		return "MATCH_FINISHED"
	default:
		return "WAITING_FOR_PLAYERS"
	}
}

type Player struct {
	id        string
	name      string
	connected bool
	choice    Choice
}

// PlayerView is the wire form of a seated player.
type PlayerView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Connected bool    `json:"connected"`
	Choice    *Choice `json:"choice"`
}

type ChoiceRecord struct {
	ID     string `json:"id"`
	Choice Choice `json:"choice"`
}

// RoundResult is immutable once appended to a room's history. Winner is a
// player ID or "draw".
type RoundResult struct {
	Round   int          `json:"round"`
	Player1 ChoiceRecord `json:"player1"`
	Player2 ChoiceRecord `json:"player2"`
	Winner  string       `json:"winner"`
}

// RoomView is a point-in-time copy of a room, safe to encode after the room
// lock has been released.
type RoomView struct {
	ID           string         `json:"id"`
	Players      []PlayerView   `json:"players"`
	CurrentRound int            `json:"currentRound"`
	MaxRounds    int            `json:"maxRounds"`
	GameStarted  bool           `json:"gameStarted"`
	Finished     bool           `json:"finished"`
	Scores       map[string]int `json:"scores"`
	RoundResults []RoundResult  `json:"roundResults"`
}

// Room is owned by the Registry. Every field below mu is guarded by it.
type Room struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	players      []*Player
	currentRound int
	maxRounds    int
	state        RoomState
	scores       map[string]int
	results      []RoundResult

	// epoch changes whenever the room is reset, so delayed announcements
	// scheduled before the reset can tell they are stale.
	epoch  uint64
	closed bool
}

func newRoom(id string) *Room {
	return &Room{
		id:           id,
		createdAt:    time.Now(),
		currentRound: 1,
		maxRounds:    maxRounds,
		state:        StateWaitingForPlayers,
		scores:       make(map[string]int),
	}
}

func (r *Room) gameStartedLocked() bool {
	return r.state == StateRoundInProgress || r.state == StateRoundResolved
}

func (r *Room) finishedLocked() bool {
	return r.state == StateMatchFinished
}

func (r *Room) seatLocked(id, name string) *Player {
	p := &Player{
		id:        id,
		name:      name,
		connected: true,
	}
	r.players = append(r.players, p)
	r.scores[id] = 0

	return p
}

func (r *Room) playerLocked(id string) (*Player, int) {
	for i, p := range r.players {
		if p.id == id {
			return p, i
		}
	}
	return nil, -1
}

func (r *Room) unseatLocked(idx int) *Player {
	p := r.players[idx]
	r.players = append(r.players[:idx:idx], r.players[idx+1:]...)
	delete(r.scores, p.id)

	return p
}

func (r *Room) allChosenLocked() bool {
	if len(r.players) != maxPlayers {
		return false
	}
	for _, p := range r.players {
		if p.choice == "" {
			return false
		}
	}
	return true
}

func (r *Room) anyConnectedLocked() bool {
	for _, p := range r.players {
		if p.connected {
			return true
		}
	}
	return false
}

func (r *Room) clearChoicesLocked() {
	for _, p := range r.players {
		p.choice = ""
	}
}

// resetLocked starts a fresh match for whoever is seated.
func (r *Room) resetLocked(state RoomState) {
	r.currentRound = 1
	r.state = state
	r.results = nil
	r.scores = make(map[string]int, len(r.players))
	for _, p := range r.players {
		r.scores[p.id] = 0
	}
	r.clearChoicesLocked()
	r.epoch++
}

func (r *Room) reachedWinsLocked() bool {
	for _, score := range r.scores {
		if score >= winsNeeded {
			return true
		}
	}
	return false
}

// winnerLocked returns the strictly highest scorer, or nil on a tie.
func (r *Room) winnerLocked() *Player {
	var best *Player
	tied := false
	for _, p := range r.players {
		switch {
		case best == nil || r.scores[p.id] > r.scores[best.id]:
			best = p
			tied = false
		case r.scores[p.id] == r.scores[best.id]:
			tied = true
		}
	}
	if tied {
		return nil
	}
	return best
}

func (r *Room) scoresLocked() map[string]int {
	scores := make(map[string]int, len(r.scores))
	for id, score := range r.scores {
		scores[id] = score
	}
	return scores
}

func (p *Player) view(reveal bool) PlayerView {
	v := PlayerView{
		ID:        p.id,
		Name:      p.name,
		Connected: p.connected,
	}
	if reveal && p.choice != "" {
		c := p.choice
		v.Choice = &c
	}
	return v
}

// playerViewsLocked hides recorded choices while the round is still open.
func (r *Room) playerViewsLocked() []PlayerView {
	reveal := r.state != StateRoundInProgress
	views := make([]PlayerView, 0, len(r.players))
	for _, p := range r.players {
		views = append(views, p.view(reveal))
	}
	return views
}

func (r *Room) snapshotLocked() RoomView {
	results := make([]RoundResult, len(r.results))
	copy(results, r.results)

	return RoomView{
		ID:           r.id,
		Players:      r.playerViewsLocked(),
		CurrentRound: r.currentRound,
		MaxRounds:    r.maxRounds,
		GameStarted:  r.gameStartedLocked(),
		Finished:     r.finishedLocked(),
		Scores:       r.scoresLocked(),
		RoundResults: results,
	}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", errInvalidName
	}
	return name, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
