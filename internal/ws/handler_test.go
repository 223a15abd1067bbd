package ws_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/internal/hub"
	"github.com/jmfrank/tictactoe-backend/internal/httpapi"
	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
	"github.com/jmfrank/tictactoe-backend/pkg/session"
)

// Full round trip through the real server: REST room creation, websocket
// join, and push-driven state convergence between two controllers.

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx, 0, nil)
	srv := httptest.NewServer(httpapi.SetupRoutes(h, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func createRoom(t *testing.T, srv *httptest.Server, host string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"host": host})
	resp, err := http.Post(srv.URL+"/rooms", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Code
}

func connect(t *testing.T, srv *httptest.Server, room, identity string) *session.Controller {
	t.Helper()
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := session.DialWS(ctx, wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	c := session.New(tr)
	t.Cleanup(c.Close)
	require.NoError(t, c.Join(ctx, room, identity))
	return c
}

func waitView(t *testing.T, c *session.Controller, cond func(session.View) bool) session.View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		v := c.State()
		if cond(v) {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("view never converged; last: %+v", c.State())
	return session.View{}
}

func TestTwoPlayersOverRealSocket(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv, "alice")

	alice := connect(t, srv, room, "alice")
	bob := connect(t, srv, room, "bob")

	// Both sides see a full lobby before anyone moves.
	waitView(t, alice, func(v session.View) bool { return v.Game.PlayerO == "bob" })
	require.Equal(t, "alice", bob.State().Game.PlayerX)

	require.NoError(t, alice.SubmitMove(4))
	v := waitView(t, bob, func(v session.View) bool { return v.Game.Board[4] == "X" })
	require.Equal(t, "O", string(v.Game.Turn))

	// Out of turn: rejected locally once the echoed snapshot lands.
	waitView(t, alice, func(v session.View) bool { return v.Game.Board[4] == "X" })
	require.ErrorIs(t, alice.SubmitMove(0), session.ErrNotYourTurn)

	require.NoError(t, bob.SubmitMove(0))
	waitView(t, alice, func(v session.View) bool { return v.Game.Board[0] == "O" })
}

func TestChatOverRealSocket(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv, "alice")

	alice := connect(t, srv, room, "alice")
	bob := connect(t, srv, room, "bob")
	waitView(t, alice, func(v session.View) bool { return v.Game.PlayerO == "bob" })

	require.NoError(t, alice.SendChat("good luck"))

	// The echo defines the order: both logs converge on the same entry,
	// the sender's included.
	for _, c := range []*session.Controller{alice, bob} {
		v := waitView(t, c, func(v session.View) bool { return len(v.Chat) == 1 })
		require.Equal(t, "alice", v.Chat[0].Sender)
		require.Equal(t, "good luck", v.Chat[0].Text)
		require.NotZero(t, v.Chat[0].Timestamp)
	}
}

// logSink captures the http.Server error log so the test can assert the
// handler survived hostile traffic.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestMalformedFramesAfterLeaveCloseCleanly(t *testing.T) {
	ctx0, cancel0 := context.WithCancel(context.Background())
	t.Cleanup(cancel0)
	h := hub.NewHub(ctx0, 0, nil)

	sink := &logSink{}
	srv := httptest.NewUnstartedServer(httpapi.SetupRoutes(h, zap.NewNop()))
	srv.Config.ErrorLog = log.New(sink, "", 0)
	srv.Start()
	t.Cleanup(srv.Close)

	room := createRoom(t, srv, "alice")
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	writeEnv := func(env protocol.Envelope) {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
	}

	writeEnv(protocol.Marshal(protocol.TypeJoin, "j1", protocol.JoinRequest{RoomID: room, Identity: "alice"}))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ack protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, protocol.TypeJoinAck, ack.Type)

	// Leave, then keep talking garbage while the room tears us down.
	writeEnv(protocol.Marshal(protocol.TypeLeave, "", protocol.LeavePayload{RoomID: room, Identity: "alice"}))
	for i := 0; i < 5; i++ {
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
	}

	// The server closes the connection instead of blowing up: drain until
	// the read side reports it.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	require.NotContains(t, sink.String(), "panic")

	// And the endpoint still serves fresh connections.
	again := connect(t, srv, room, "alice")
	require.Equal(t, "alice", again.State().Game.PlayerX)
}

func TestRematchOverRealSocket(t *testing.T) {
	srv := startServer(t)
	room := createRoom(t, srv, "alice")

	alice := connect(t, srv, room, "alice")
	bob := connect(t, srv, room, "bob")
	waitView(t, alice, func(v session.View) bool { return v.Game.PlayerO == "bob" })

	// Top row win for X.
	moves := []struct {
		c    *session.Controller
		cell int
	}{
		{alice, 0}, {bob, 3}, {alice, 1}, {bob, 4}, {alice, 2},
	}
	for _, m := range moves {
		id := m.c.State().Identity
		waitView(t, m.c, func(v session.View) bool { return string(v.Game.Turn) == string(v.Game.MarkOf(id)) })
		require.NoError(t, m.c.SubmitMove(m.cell))
	}
	waitView(t, bob, func(v session.View) bool { return v.Game.Result == "X" })

	require.NoError(t, alice.RequestRematch())
	waitView(t, bob, func(v session.View) bool { return v.Rematch == session.RematchRequestedByRemote })
	require.NoError(t, bob.RespondRematch(true))

	for _, c := range []*session.Controller{alice, bob} {
		v := waitView(t, c, func(v session.View) bool {
			return v.Rematch == session.RematchNone && v.Game.Result == "" && v.Game.Board[0] == ""
		})
		require.Equal(t, "alice", v.Game.PlayerX)
		require.Equal(t, "bob", v.Game.PlayerO)
	}
}
