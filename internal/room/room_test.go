package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

// testConn is one client connection's half of the room contract: the room
// broadcasts into out and closes done when it lets go.
type testConn struct {
	out  chan protocol.Envelope
	done chan struct{}
}

func newTestConn() *testConn {
	return &testConn{
		out:  make(chan protocol.Envelope, 16),
		done: make(chan struct{}),
	}
}

// helper: receive one envelope with a timeout so tests never hang
func recvEnv(t *testing.T, ch <-chan protocol.Envelope, within time.Duration) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return protocol.Envelope{} // unreachable
	}
}

// helper: receive envelopes until one of the wanted type shows up
func recvType(t *testing.T, ch <-chan protocol.Envelope, typ string) protocol.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected the room to signal teardown")
	}
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, "ROOM01", "alice", nil)
}

func join(t *testing.T, r *Room, clientID, identity string) *testConn {
	t.Helper()
	c := newTestConn()
	r.Inbox() <- Join{ClientID: clientID, Identity: identity, ReqID: "req-" + clientID, Outbox: c.out, Done: c.done}
	ack := decode[protocol.JoinAck](t, recvType(t, c.out, protocol.TypeJoinAck))
	if !ack.Success {
		t.Fatalf("join %s failed: %s", identity, ack.Error)
	}
	return c
}

func send(r *Room, clientID, typ string, payload any) {
	r.Inbox() <- FromClient{ClientID: clientID, Env: protocol.Marshal(typ, "", payload)}
}

func TestRoom_JoinSeatsPlayers(t *testing.T) {
	r := newTestRoom(t)

	alice := newTestConn()
	r.Inbox() <- Join{ClientID: "c1", Identity: "alice", ReqID: "j1", Outbox: alice.out, Done: alice.done}

	env := recvEnv(t, alice.out, time.Second)
	if env.Type != protocol.TypeJoinAck || env.ID != "j1" {
		t.Fatalf("want join_ack with id j1, got %s/%s", env.Type, env.ID)
	}
	ack := decode[protocol.JoinAck](t, env)
	if !ack.Success || ack.Game.PlayerX != "alice" || ack.Game.PlayerO != "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	join(t, r, "c2", "bob")

	// The host learns about the guest through a full snapshot.
	joined := decode[protocol.PlayerEventPayload](t, recvType(t, alice.out, protocol.TypePlayerJoined))
	if joined.Identity != "bob" || joined.Game == nil || joined.Game.PlayerO != "bob" {
		t.Fatalf("unexpected player_joined: %+v", joined)
	}
}

func TestRoom_ThirdJoinRejected(t *testing.T) {
	r := newTestRoom(t)
	join(t, r, "c1", "alice")
	join(t, r, "c2", "bob")

	c := newTestConn()
	r.Inbox() <- Join{ClientID: "c3", Identity: "mallory", ReqID: "j3", Outbox: c.out, Done: c.done}
	ack := decode[protocol.JoinAck](t, recvType(t, c.out, protocol.TypeJoinAck))
	if ack.Success || ack.Error != protocol.JoinErrRoomFull {
		t.Fatalf("want room_full rejection, got %+v", ack)
	}
}

func TestRoom_RejoinKeepsSeatAndDropsOldConnection(t *testing.T) {
	r := newTestRoom(t)
	old := join(t, r, "c1", "alice")
	join(t, r, "c2", "bob")

	fresh := newTestConn()
	r.Inbox() <- Join{ClientID: "c3", Identity: "alice", ReqID: "j3", Outbox: fresh.out, Done: fresh.done}
	ack := decode[protocol.JoinAck](t, recvType(t, fresh.out, protocol.TypeJoinAck))
	if !ack.Success || ack.Game.PlayerX != "alice" {
		t.Fatalf("rejoin should keep the X seat: %+v", ack)
	}
	waitDone(t, old.done)
}

func TestRoom_OutboxStaysOpenAfterDrop(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	join(t, r, "c2", "bob")

	r.Inbox() <- Leave{ClientID: "c1"}
	waitDone(t, alice.done)

	// The connection side still owns the outbox and may answer locally
	// (bad frames, late acks) after the room has let go; a closed channel
	// here would panic the sender.
	alice.out <- protocol.Marshal(protocol.TypeError, "", protocol.ErrorPayload{
		Code: "bad_json", Message: "malformed envelope",
	})
}

func TestRoom_JoinIgnoredAfterTeardown(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")

	r.Inbox() <- Leave{ClientID: "c1"}
	waitDone(t, alice.done)

	// A join retry on the same torn-down connection must not re-register
	// a client whose teardown signal has already fired.
	r.Inbox() <- Join{ClientID: "c1", Identity: "alice", ReqID: "j2", Outbox: alice.out, Done: alice.done}
	select {
	case env := <-alice.out:
		t.Fatalf("join on a dead connection must be ignored, got %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoom_MoveBroadcastsState(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")

	send(r, "c1", protocol.TypeMove, protocol.MovePayload{RoomID: "ROOM01", CellIndex: 4})

	for _, c := range []*testConn{alice, bob} {
		snap := decode[protocol.Snapshot](t, recvType(t, c.out, protocol.TypeState))
		if snap.Board[4] != "X" {
			t.Fatalf("want X at cell 4, got %q", snap.Board[4])
		}
		if snap.Turn != protocol.MarkO {
			t.Fatalf("turn should pass to O, got %q", snap.Turn)
		}
	}
}

func TestRoom_InvalidMoveErrorsOnlyToSender(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")
	recvType(t, alice.out, protocol.TypePlayerJoined) // drain

	// O moving out of turn.
	send(r, "c2", protocol.TypeMove, protocol.MovePayload{RoomID: "ROOM01", CellIndex: 0})

	errEnv := decode[protocol.ErrorPayload](t, recvType(t, bob.out, protocol.TypeError))
	if errEnv.Code != "not_your_turn" {
		t.Fatalf("want not_your_turn, got %q", errEnv.Code)
	}

	select {
	case env := <-alice.out:
		t.Fatalf("alice should see nothing for a rejected move, got %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRoom_ChatEchoedToEveryoneIncludingSender(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")

	send(r, "c1", protocol.TypeChat, protocol.ChatPayload{Text: "gg", Timestamp: 1})

	for _, c := range []*testConn{alice, bob} {
		msg := decode[protocol.ChatPayload](t, recvType(t, c.out, protocol.TypeChat))
		if msg.Sender != "alice" || msg.Text != "gg" {
			t.Fatalf("unexpected chat echo: %+v", msg)
		}
		if msg.Timestamp == 1 {
			t.Fatalf("server should restamp the message")
		}
	}
}

func TestRoom_TypingRelaySkipsSender(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")

	send(r, "c1", protocol.TypeTyping, protocol.TypingPayload{IsTyping: true})

	p := decode[protocol.TypingPayload](t, recvType(t, bob.out, protocol.TypeTyping))
	if p.Identity != "alice" || !p.IsTyping {
		t.Fatalf("unexpected typing relay: %+v", p)
	}

	select {
	case env := <-alice.out:
		if env.Type == protocol.TypeTyping {
			t.Fatalf("sender must not receive its own typing signal")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// playXWin drives alice (X) to a top-row win: X 0,1,2 / O 3,4.
func playXWin(t *testing.T, r *Room, alice, bob *testConn) {
	t.Helper()
	moves := []struct {
		client string
		cell   int
	}{
		{"c1", 0}, {"c2", 3}, {"c1", 1}, {"c2", 4}, {"c1", 2},
	}
	var last protocol.Snapshot
	for _, m := range moves {
		send(r, m.client, protocol.TypeMove, protocol.MovePayload{CellIndex: m.cell})
		last = decode[protocol.Snapshot](t, recvType(t, alice.out, protocol.TypeState))
		recvType(t, bob.out, protocol.TypeState)
	}
	if last.Result != protocol.ResultX {
		t.Fatalf("expected X to win, got %q", last.Result)
	}
}

func TestRoom_RematchRequestAcceptResetsBoard(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")
	playXWin(t, r, alice, bob)

	send(r, "c1", protocol.TypeRematchRequest, nil)
	req := decode[protocol.RematchRequestPayload](t, recvType(t, bob.out, protocol.TypeRematchRequested))
	if req.Requester != "alice" {
		t.Fatalf("unexpected requester %q", req.Requester)
	}

	send(r, "c2", protocol.TypeRematchResponse, protocol.RematchResponsePayload{Accepted: true})
	for _, c := range []*testConn{alice, bob} {
		env := recvType(t, c.out, protocol.TypeRematchAccepted)
		var p struct {
			Game *protocol.Snapshot `json:"game"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Game == nil {
			t.Fatalf("rematch_accepted should carry a fresh snapshot: %v", err)
		}
		if p.Game.Result != protocol.ResultNone || p.Game.Board[0] != "" {
			t.Fatalf("board not reset: %+v", p.Game)
		}
		if p.Game.PlayerX != "alice" || p.Game.PlayerO != "bob" {
			t.Fatalf("seats changed across rematch: %+v", p.Game)
		}
	}
}

func TestRoom_MutualRematchRequestsAutoAccept(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")
	playXWin(t, r, alice, bob)

	send(r, "c1", protocol.TypeRematchRequest, nil)
	send(r, "c2", protocol.TypeRematchRequest, nil)

	recvType(t, alice.out, protocol.TypeRematchAccepted)
	recvType(t, bob.out, protocol.TypeRematchAccepted)
}

func TestRoom_RematchBeforeGameOverRejected(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	join(t, r, "c2", "bob")

	send(r, "c1", protocol.TypeRematchRequest, nil)
	errEnv := decode[protocol.ErrorPayload](t, recvType(t, alice.out, protocol.TypeError))
	if errEnv.Code != "game_not_over" {
		t.Fatalf("want game_not_over, got %q", errEnv.Code)
	}
}

func TestRoom_LeaveCancelsPendingRematch(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")
	bob := join(t, r, "c2", "bob")
	playXWin(t, r, alice, bob)

	send(r, "c1", protocol.TypeRematchRequest, nil)
	recvType(t, bob.out, protocol.TypeRematchRequested)

	r.Inbox() <- Leave{ClientID: "c1"}
	recvType(t, bob.out, protocol.TypeRematchDeclined)
	left := decode[protocol.PlayerEventPayload](t, recvType(t, bob.out, protocol.TypePlayerLeft))
	if left.Identity != "alice" {
		t.Fatalf("unexpected player_left: %+v", left)
	}
}

func TestRoom_ShutdownBroadcastsRoomClosed(t *testing.T) {
	r := newTestRoom(t)
	alice := join(t, r, "c1", "alice")

	r.Inbox() <- Shutdown{}
	recvType(t, alice.out, protocol.TypeRoomClosed)
	waitDone(t, alice.done)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("room should report itself done after shutdown")
	}
}

func TestRoom_ViewReflectsState(t *testing.T) {
	r := newTestRoom(t)
	join(t, r, "c1", "alice")

	reply := make(chan View, 1)
	r.Inbox() <- GetView{Reply: reply}
	v := <-reply
	if v.Snapshot.PlayerX != "alice" || v.NumClients != 1 {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.Status != protocol.StatusWaiting {
		t.Fatalf("want waiting status, got %q", v.Status)
	}
	if !v.Snapshot.PlayerXConnected {
		t.Fatalf("host should be flagged connected")
	}
}
