/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	maxMessageSize = 4096
	sendBuffer     = 32
	writeWait      = 10 * time.Second
)

type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Gateway owns every websocket connection, maps inbound frames onto Engine
// operations and implements Broadcaster for the Engine's room events.
type Gateway struct {
	cfg      *Config
	engine   *Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	groups  map[string]map[string]struct{} // room code -> client IDs
	member  map[string]string              // client ID -> room code
}

func newGateway(cfg *Config, sched Scheduler) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		clients: make(map[string]*Client),
		groups:  make(map[string]map[string]struct{}),
		member:  make(map[string]string),
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}

	g.engine = newEngine(cfg, g, sched)

	return g
}

// checkOrigin allows any origin unless an allow-list was configured.
// Requests without an Origin header come from non-browser clients.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.origins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.ContainsFunc(g.cfg.origins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
	})
}

func (g *Gateway) register(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clients[c.id] = c
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.dropLocked(c.id)
	delete(g.member, c.id)
}

// dropLocked stops delivering to a client and closes its send channel, which
// ends its writePump. Its room membership is kept until unregister so the
// disconnect can still be reported to the room.
func (g *Gateway) dropLocked(id string) {
	c, ok := g.clients[id]
	if !ok {
		return
	}

	delete(g.clients, id)
	close(c.send)

	if roomID, ok := g.member[id]; ok {
		if group, ok := g.groups[roomID]; ok {
			delete(group, id)
			if len(group) == 0 {
				delete(g.groups, roomID)
			}
		}
	}
}

func (g *Gateway) Subscribe(roomID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[connID]; !ok {
		return
	}

	group, ok := g.groups[roomID]
	if !ok {
		group = make(map[string]struct{}, maxPlayers)
		g.groups[roomID] = group
	}
	group[connID] = struct{}{}
	g.member[connID] = roomID
}

func (g *Gateway) Unsubscribe(roomID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if group, ok := g.groups[roomID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(g.groups, roomID)
		}
	}
	if g.member[connID] == roomID {
		delete(g.member, connID)
	}
}

// Broadcast encodes ev once and queues it for every member of the room.
// Members whose buffers are full are dropped rather than waited on.
func (g *Gateway) Broadcast(roomID string, ev Event) {
	data, err := encodeFrame(ev.Name, nil, ev.Data)
	if err != nil {
		errorf("encoding %s for room %s: %v", ev.Name, roomID, err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.groups[roomID] {
		c, ok := g.clients[id]
		if !ok {
			continue
		}

		select {
		case c.send <- data:
		default:
			g.dropLocked(id)
			_ = c.conn.Close()
		}
	}

	logf(g.cfg, "EVENT: %s to room %s (%s)", ev.Name, roomID, humanReadableSize(int64(len(data))))
}

func (g *Gateway) roomOf(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.member[id]
}

func (g *Gateway) clientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.clients)
}

// reply sends ack to the requester if it asked for one.
func (g *Gateway) reply(c *Client, msg inboundMessage, ack Ack) {
	if msg.ID == nil {
		if !ack.Success {
			logf(g.cfg, "GAMES: %s from %s rejected: %s", msg.Event, c.id, ack.Error)
		}
		return
	}

	data, err := encodeFrame(eventAck, msg.ID, ack)
	if err != nil {
		errorf("encoding ack for %s: %v", msg.Event, err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[c.id]; !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		g.dropLocked(c.id)
		_ = c.conn.Close()
	}
}

// dispatch handles one inbound frame. The ack is sent last, after every
// broadcast the operation produced. A panic is contained here and turned
// into an internal-error ack for the requester only.
func (g *Gateway) dispatch(c *Client, msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			errorf("handling %s from %s: %v", msg.Event, c.id, r)
			g.reply(c, msg, failure(errInternal))
		}
	}()

	g.reply(c, msg, g.handle(c, msg))
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errInvalidPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidPayload
	}
	return nil
}

func (g *Gateway) handle(c *Client, msg inboundMessage) Ack {
	switch msg.Event {
	case eventCreateRoom:
		var req CreateRoomRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return failure(err)
		}
		if g.roomOf(c.id) != "" {
			return failure(errAlreadyInRoom)
		}

		code, err := g.engine.CreateRoom(c.id, req.PlayerName)
		if err != nil {
			return failure(err)
		}
		return Ack{Success: true, RoomID: code}

	case eventJoinRoom:
		var req JoinRoomRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return failure(err)
		}
		if g.roomOf(c.id) != "" {
			return failure(errAlreadyInRoom)
		}

		room, err := g.engine.JoinRoom(req.RoomID, c.id, req.PlayerName)
		if err != nil {
			return failure(err)
		}
		return Ack{Success: true, RoomID: room.ID, Room: &room}

	case eventMakeChoice:
		var req MakeChoiceRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return failure(err)
		}
		return g.roomAction(c, func(roomID string) error {
			return g.engine.SubmitChoice(roomID, c.id, req.Choice)
		})

	case eventResetRound:
		return g.roomAction(c, func(roomID string) error {
			return g.engine.AdvanceRound(roomID, c.id)
		})

	case eventPlayAgain:
		return g.roomAction(c, func(roomID string) error {
			return g.engine.RequestRematch(roomID, c.id)
		})

	case eventLeaveRoom:
		return g.roomAction(c, func(roomID string) error {
			return g.engine.LeaveRoom(roomID, c.id)
		})

	default:
		return failure(errUnknownEvent)
	}
}

func (g *Gateway) roomAction(c *Client, action func(roomID string) error) Ack {
	roomID := g.roomOf(c.id)
	if roomID == "" {
		return failure(errRoomNotFound)
	}

	if err := action(roomID); err != nil {
		if kindOf(err) == KindInternal {
			errorf("room %s: %v", roomID, err)
		}
		return failure(err)
	}

	return Ack{Success: true}
}

func (g *Gateway) disconnect(c *Client) {
	if roomID := g.roomOf(c.id); roomID != "" {
		g.engine.Disconnect(roomID, c.id)
	}

	g.unregister(c)
}

// Close drops every connection and cancels pending room timers.
func (g *Gateway) Close() {
	g.engine.Close()

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, c := range g.clients {
		g.dropLocked(id)
		_ = c.conn.Close()
	}
}

func serveWS(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SERVE: Websocket upgrade from %s failed: %v", realIP(r), err)
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
		}

		g.register(client)

		logf(cfg, "SERVE: Client %s connected from %s", client.id, realIP(r))

		go client.writePump()
		client.readPump(g)
	}
}

func (c *Client) readPump(g *Gateway) {
	defer func() {
		g.disconnect(c)
		_ = c.conn.Close()

		logf(g.cfg, "SERVE: Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logf(g.cfg, "SERVE: Malformed frame from %s: %v", c.id, err)
			if id := frameID(data); id != nil {
				g.reply(c, inboundMessage{ID: id}, failure(errInvalidPayload))
			}
			continue
		}

		g.dispatch(c, msg)
	}
}

// frameID recovers a numeric id from a frame that failed to decode, so the
// sender still gets an ack.
func frameID(data []byte) *int64 {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	raw, ok := fields["id"]
	if !ok {
		return nil
	}

	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil
	}

	return &id
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// qrHandler renders a PNG QR code pointing at the join URL for a live room.
func qrHandler(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeCode(ps.ByName("code"))
		if g.engine.rooms.get(code) == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?room=" + code

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

type statusResponse struct {
	Version string `json:"version"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

func serveStatus(cfg *Config, g *Gateway, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		err := json.NewEncoder(w).Encode(statusResponse{
			Version: releaseVersion,
			Rooms:   g.engine.rooms.len(),
			Clients: g.clientCount(),
		})
		if err != nil {
			errs <- err

			return
		}
	}
}

func registerGame(cfg *Config, mux *httprouter.Router, g *Gateway, errs chan<- error) {
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, g))
	mux.GET(cfg.prefix+"/room/:code/qr", qrHandler(cfg, g))
	mux.GET(cfg.prefix+"/status", serveStatus(cfg, g, errs))
}
