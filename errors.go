/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindNotFound
	KindCapacity
	KindState
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindCapacity:
		return "capacity"
	case KindState:
		return "state"
	default:
		return "internal"
	}
}

// GameError carries the short message returned in a failed acknowledgement.
type GameError struct {
	Kind    ErrorKind
	Message string
}

func (e *GameError) Error() string {
	return e.Message
}

var (
	errInvalidName    = &GameError{KindValidation, "Player name must be 1-20 characters"}
	errInvalidChoice  = &GameError{KindValidation, "Choice must be rock, paper, or scissors"}
	errInvalidPayload = &GameError{KindValidation, "Invalid message payload"}
	errUnknownEvent   = &GameError{KindValidation, "Unknown event"}

	errRoomNotFound = &GameError{KindNotFound, "Room not found"}
	errNotInRoom    = &GameError{KindNotFound, "You are not in this room"}

	errRoomFull = &GameError{KindCapacity, "Room is full"}

	errGameInProgress    = &GameError{KindState, "Game already in progress"}
	errAlreadyInRoom     = &GameError{KindState, "Already in a room"}
	errNoRoundInProgress = &GameError{KindState, "No round in progress"}
	errRoundNotResolved  = &GameError{KindState, "Round has not been resolved"}
	errMatchNotFinished  = &GameError{KindState, "Match is not finished"}

	errInternal = &GameError{KindInternal, "Internal server error"}
)

// kindOf reports the taxonomy of err; anything outside it is internal.
func kindOf(err error) ErrorKind {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// ackMessage is the text sent back to the requester for err.
func ackMessage(err error) string {
	var ge *GameError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return errInternal.Message
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func errorf(format string, args ...any) {
	log.Printf("%s | ERROR: "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body{height:100%;width:100%;margin:0;display:flex;align-items:center;justify-content:center;font-family:sans-serif;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><p>%s</p></body></html>", body))

	return htmlBody.String()
}
