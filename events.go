/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
)

// Client → server
const (
	eventCreateRoom = "create_room"
	eventJoinRoom   = "join_room"
	eventMakeChoice = "make_choice"
	eventResetRound = "reset_round"
	eventPlayAgain  = "play_again"
	eventLeaveRoom  = "leave_room"
)

// Server → client
const (
	eventAck                = "ack"
	eventRoomCreated        = "room_created"
	eventPlayerJoined       = "player_joined"
	eventGameStarted        = "game_started"
	eventRoundStarted       = "round_started"
	eventRoundEnded         = "round_ended"
	eventGameEnded          = "game_ended"
	eventPlayerDisconnected = "player_disconnected"
	eventPlayerLeft         = "player_left"
	eventWaitingForRematch  = "waiting_for_rematch"
	eventGameRestarted      = "game_restarted"
)

const gameStartingMessage = "Game is starting!"

// Event is a broadcast addressed to every member of one room.
type Event struct {
	Name string
	Data any
}

// Frames coming from clients. ID is set when the client wants an ack.
type inboundMessage struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frames sent to clients
type outboundMessage struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data"`
}

func encodeFrame(event string, id *int64, data any) ([]byte, error) {
	return json.Marshal(outboundMessage{
		Event: event,
		ID:    id,
		Data:  data,
	})
}

type CreateRoomRequest struct {
	PlayerName string `json:"playerName"`
}

type JoinRoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
}

type MakeChoiceRequest struct {
	Choice Choice `json:"choice"`
}

// Ack answers a single inbound message. Only the requester ever sees it.
type Ack struct {
	Success bool      `json:"success"`
	RoomID  string    `json:"roomId,omitempty"`
	Room    *RoomView `json:"room,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func failure(err error) Ack {
	return Ack{Error: ackMessage(err)}
}

type RoomCreatedPayload struct {
	RoomID  string       `json:"roomId"`
	Players []PlayerView `json:"players"`
}

type PlayerJoinedPayload struct {
	Players []PlayerView `json:"players"`
	Room    RoomView     `json:"room"`
}

type GameStartedPayload struct {
	Room    RoomView `json:"room"`
	Message string   `json:"message"`
}

type RoundStartedPayload struct {
	Round int      `json:"round"`
	Room  RoomView `json:"room"`
}

type RoundEndedPayload struct {
	Result RoundResult    `json:"result"`
	Scores map[string]int `json:"scores"`
	Room   RoomView       `json:"room"`
}

// GameEndedPayload has a nil Winner when the match ends level.
type GameEndedPayload struct {
	Room   RoomView       `json:"room"`
	Winner *PlayerView    `json:"winner"`
	Scores map[string]int `json:"scores"`
}

type PlayerDisconnectedPayload struct {
	Players []PlayerView `json:"players"`
	Room    RoomView     `json:"room"`
}

type PlayerLeftPayload struct {
	PlayerName string   `json:"playerName"`
	Room       RoomView `json:"room"`
}

type WaitingForRematchPayload struct {
	PlayersReady int      `json:"playersReady"`
	TotalPlayers int      `json:"totalPlayers"`
	Room         RoomView `json:"room"`
}

type GameRestartedPayload struct {
	Room RoomView `json:"room"`
}
