package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// wsClient buffers frames it has read but not yet asked for, so tests can
// wait for events of one type without losing events of another.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	nextID  int64
	pending []frame
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) request(event string, data any) int64 {
	c.t.Helper()

	c.nextID++
	id := c.nextID
	c.write(map[string]any{"event": event, "id": id, "data": data})

	return id
}

func (c *wsClient) notify(event string) {
	c.t.Helper()

	c.write(map[string]any{"event": event})
}

func (c *wsClient) write(v any) {
	c.t.Helper()

	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *wsClient) read() frame {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))

	return f
}

func (c *wsClient) take(match func(frame) bool) frame {
	c.t.Helper()

	for i, f := range c.pending {
		if match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}

	for {
		f := c.read()
		if match(f) {
			return f
		}
		c.pending = append(c.pending, f)
	}
}

// expect waits for the next event called name and decodes its data into v.
func (c *wsClient) expect(name string, v any) {
	c.t.Helper()

	f := c.take(func(f frame) bool { return f.Event == name })
	if v != nil {
		require.NoError(c.t, json.Unmarshal(f.Data, v))
	}
}

func (c *wsClient) ack(id int64) Ack {
	c.t.Helper()

	f := c.take(func(f frame) bool {
		return f.Event == eventAck && f.ID != nil && *f.ID == id
	})

	var a Ack
	require.NoError(c.t, json.Unmarshal(f.Data, &a))

	return a
}

func (c *wsClient) buffered(name string) int {
	n := 0
	for _, f := range c.pending {
		if f.Event == name {
			n++
		}
	}
	return n
}

func newTestServer(t *testing.T) (*httptest.Server, *Gateway) {
	t.Helper()

	cfg := testConfig()
	cfg.startDelay = 5 * time.Millisecond
	cfg.restartDelay = 5 * time.Millisecond
	cfg.cleanupGrace = 50 * time.Millisecond

	g := newGateway(cfg, newTimerScheduler())
	errs := make(chan error, 8)
	srv := httptest.NewServer(newRouter(cfg, g, errs))

	t.Cleanup(func() {
		g.Close()
		srv.Close()
	})

	return srv, g
}

// seatPair creates a room with p1, joins p2 and waits for round 1.
func seatPair(t *testing.T, srv *httptest.Server) (p1, p2 *wsClient, code, id1, id2 string) {
	t.Helper()

	p1 = dial(t, srv)
	p2 = dial(t, srv)

	created := p1.ack(p1.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Alice"}))
	require.True(t, created.Success, created.Error)
	require.Len(t, created.RoomID, roomCodeLength)
	code = created.RoomID

	var rc RoomCreatedPayload
	p1.expect(eventRoomCreated, &rc)
	require.Len(t, rc.Players, 1)
	id1 = rc.Players[0].ID

	joined := p2.ack(p2.request(eventJoinRoom, JoinRoomRequest{RoomID: strings.ToLower(code), PlayerName: "Bob"}))
	require.True(t, joined.Success, joined.Error)
	require.Equal(t, code, joined.RoomID)
	require.NotNil(t, joined.Room)
	require.Len(t, joined.Room.Players, 2)
	id2 = joined.Room.Players[1].ID

	for _, c := range []*wsClient{p1, p2} {
		var pj PlayerJoinedPayload
		c.expect(eventPlayerJoined, &pj)
		assert.Len(t, pj.Players, 2)

		c.expect(eventGameStarted, nil)

		var rs RoundStartedPayload
		c.expect(eventRoundStarted, &rs)
		assert.Equal(t, 1, rs.Round)
	}

	return p1, p2, code, id1, id2
}

func choose(t *testing.T, c *wsClient, choice Choice) {
	t.Helper()

	a := c.ack(c.request(eventMakeChoice, MakeChoiceRequest{Choice: choice}))
	require.True(t, a.Success, a.Error)
}

func TestGatewayFullMatch(t *testing.T) {
	srv, g := newTestServer(t)
	p1, p2, code, id1, id2 := seatPair(t, srv)

	choose(t, p1, Rock)
	choose(t, p2, Scissors)

	for _, c := range []*wsClient{p1, p2} {
		var re RoundEndedPayload
		c.expect(eventRoundEnded, &re)
		assert.Equal(t, id1, re.Result.Winner)
		assert.Equal(t, map[string]int{id1: 1, id2: 0}, re.Scores)
	}

	p1.notify(eventResetRound)
	for _, c := range []*wsClient{p1, p2} {
		var rs RoundStartedPayload
		c.expect(eventRoundStarted, &rs)
		assert.Equal(t, 2, rs.Round)
	}

	choose(t, p1, Paper)
	choose(t, p2, Rock)

	var re RoundEndedPayload
	p2.expect(eventRoundEnded, &re)
	assert.Equal(t, id1, re.Result.Winner)
	assert.Equal(t, map[string]int{id1: 2, id2: 0}, re.Scores)
	p1.expect(eventRoundEnded, nil)

	p1.notify(eventResetRound)
	for _, c := range []*wsClient{p1, p2} {
		var ge GameEndedPayload
		c.expect(eventGameEnded, &ge)
		require.NotNil(t, ge.Winner)
		assert.Equal(t, id1, ge.Winner.ID)
		assert.Equal(t, "Alice", ge.Winner.Name)
		assert.True(t, ge.Room.Finished)
		assert.Zero(t, c.buffered(eventRoundStarted))
	}

	p1.notify(eventPlayAgain)
	var wr WaitingForRematchPayload
	p2.expect(eventWaitingForRematch, &wr)
	assert.Equal(t, 1, wr.PlayersReady)
	assert.Equal(t, 2, wr.TotalPlayers)

	p2.notify(eventPlayAgain)
	for _, c := range []*wsClient{p1, p2} {
		var gr GameRestartedPayload
		c.expect(eventGameRestarted, &gr)
		assert.Equal(t, map[string]int{id1: 0, id2: 0}, gr.Room.Scores)

		var rs RoundStartedPayload
		c.expect(eventRoundStarted, &rs)
		assert.Equal(t, 1, rs.Round)
	}

	require.NotNil(t, g.engine.rooms.get(code))
}

func TestGatewayDrawRound(t *testing.T) {
	srv, _ := newTestServer(t)
	p1, p2, _, id1, id2 := seatPair(t, srv)

	choose(t, p1, Paper)
	choose(t, p2, Paper)

	var re RoundEndedPayload
	p1.expect(eventRoundEnded, &re)
	assert.Equal(t, drawWinner, re.Result.Winner)
	assert.Equal(t, map[string]int{id1: 0, id2: 0}, re.Scores)
}

func TestGatewayRejections(t *testing.T) {
	srv, _ := newTestServer(t)
	p1, _, code, _, _ := seatPair(t, srv)

	p3 := dial(t, srv)

	tests := []struct {
		name   string
		client *wsClient
		event  string
		data   any
		want   string
	}{
		{name: "full room", client: p3, event: eventJoinRoom, data: JoinRoomRequest{RoomID: code, PlayerName: "Carol"}, want: errRoomFull.Message},
		{name: "unknown room", client: p3, event: eventJoinRoom, data: JoinRoomRequest{RoomID: "ZZZZZZ", PlayerName: "Carol"}, want: errRoomNotFound.Message},
		{name: "bad name", client: p3, event: eventCreateRoom, data: CreateRoomRequest{PlayerName: ""}, want: errInvalidName.Message},
		{name: "choice outside a room", client: p3, event: eventMakeChoice, data: MakeChoiceRequest{Choice: Rock}, want: errRoomNotFound.Message},
		{name: "invalid choice", client: p1, event: eventMakeChoice, data: MakeChoiceRequest{Choice: "lizard"}, want: errInvalidChoice.Message},
		{name: "missing payload", client: p3, event: eventJoinRoom, data: nil, want: errInvalidPayload.Message},
		{name: "unknown event", client: p3, event: "dance", data: nil, want: errUnknownEvent.Message},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.client.ack(tt.client.request(tt.event, tt.data))
			assert.False(t, a.Success)
			assert.Equal(t, tt.want, a.Error)
		})
	}
}

func TestGatewayRejectsSecondRoom(t *testing.T) {
	srv, _ := newTestServer(t)
	p1 := dial(t, srv)

	a := p1.ack(p1.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Alice"}))
	require.True(t, a.Success)

	a = p1.ack(p1.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Alice"}))
	assert.False(t, a.Success)
	assert.Equal(t, errAlreadyInRoom.Message, a.Error)
}

func TestGatewayLeaveRoom(t *testing.T) {
	srv, g := newTestServer(t)
	p1, p2, code, _, _ := seatPair(t, srv)

	a := p2.ack(p2.request(eventLeaveRoom, nil))
	require.True(t, a.Success, a.Error)

	var pl PlayerLeftPayload
	p1.expect(eventPlayerLeft, &pl)
	assert.Equal(t, "Bob", pl.PlayerName)
	assert.Len(t, pl.Room.Players, 1)

	a = p2.ack(p2.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Bob"}))
	require.True(t, a.Success, a.Error)
	assert.NotEqual(t, code, a.RoomID)

	p1.notify(eventLeaveRoom)
	assert.Eventually(t, func() bool { return g.engine.rooms.get(code) == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.engine.rooms.len())
}

func TestGatewayDisconnectAndCleanup(t *testing.T) {
	srv, g := newTestServer(t)
	p1, p2, code, _, id2 := seatPair(t, srv)

	require.NoError(t, p2.conn.Close())

	var pd PlayerDisconnectedPayload
	p1.expect(eventPlayerDisconnected, &pd)
	require.Len(t, pd.Players, 2)
	assert.Equal(t, id2, pd.Players[1].ID)
	assert.False(t, pd.Players[1].Connected)

	time.Sleep(150 * time.Millisecond)
	require.NotNil(t, g.engine.rooms.get(code), "room with a connected player must survive cleanup")

	require.NoError(t, p1.conn.Close())
	assert.Eventually(t, func() bool { return g.engine.rooms.get(code) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return g.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGatewayRecoversFromPanics(t *testing.T) {
	g := newGateway(testConfig(), &manualScheduler{})
	g.engine.rooms = nil

	c := &Client{id: "c1", send: make(chan []byte, 1)}
	g.register(c)

	id := int64(7)
	g.dispatch(c, inboundMessage{
		Event: eventJoinRoom,
		ID:    &id,
		Data:  json.RawMessage(`{"roomId":"ABCDEF","playerName":"Bob"}`),
	})

	var f frame
	require.NoError(t, json.Unmarshal(<-c.send, &f))
	assert.Equal(t, eventAck, f.Event)
	require.NotNil(t, f.ID)
	assert.Equal(t, id, *f.ID)

	var a Ack
	require.NoError(t, json.Unmarshal(f.Data, &a))
	assert.False(t, a.Success)
	assert.Equal(t, errInternal.Message, a.Error)
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.origins = []string{"https://play.example.com/"}
	g := newGateway(cfg, &manualScheduler{})

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://play.example.com", want: true},
		{origin: "https://evil.example.com", want: false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, g.checkOrigin(r), tt.origin)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	srv, g := newTestServer(t)

	code, err := g.engine.CreateRoom("host", "Host")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, 1, status.Rooms)
	assert.Equal(t, releaseVersion, status.Version)

	resp, err = http.Get(srv.URL + "/room/" + strings.ToLower(code) + "/qr")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(srv.URL + "/room/ZZZZZZ/qr")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestGatewayAcksUndecodableFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	p1 := dial(t, srv)

	require.NoError(t, p1.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":7,"id":41}`)))

	a := p1.ack(41)
	assert.False(t, a.Success)
	assert.Equal(t, errInvalidPayload.Message, a.Error)

	// The connection stays usable afterwards.
	a = p1.ack(p1.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Alice"}))
	assert.True(t, a.Success, a.Error)
}

func TestFrameID(t *testing.T) {
	id := func(n int64) *int64 { return &n }

	tests := []struct {
		name string
		in   string
		want *int64
	}{
		{name: "numeric id", in: `{"event":7,"id":3}`, want: id(3)},
		{name: "string id", in: `{"event":"create_room","id":"3"}`},
		{name: "no id", in: `{"event":7}`},
		{name: "not an object", in: `[1,2,3]`},
		{name: "not json", in: `hello`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, frameID([]byte(tt.in)))
		})
	}
}

func TestGatewayAckFollowsBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	p1 := dial(t, srv)

	id := p1.request(eventCreateRoom, CreateRoomRequest{PlayerName: "Alice"})

	first := p1.read()
	assert.Equal(t, eventRoomCreated, first.Event)

	second := p1.read()
	require.Equal(t, eventAck, second.Event)
	require.NotNil(t, second.ID)
	assert.Equal(t, id, *second.ID)
}
