package room

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/internal/engine"
	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

type Msg interface{ isRoomMsg() }

// Join seats or re-seats an identity. The ack (and everything after it) is
// delivered on Outbox. ReqID is echoed back so the client can correlate.
// Done is closed by the room when it lets go of the connection; the room
// never closes Outbox, since the connection side also sends into it.
type Join struct {
	ClientID string
	Identity string
	ReqID    string
	Outbox   chan protocol.Envelope
	Done     chan struct{}
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// FromClient carries any non-join envelope read off a connection.
type FromClient struct {
	ClientID string
	Env      protocol.Envelope
}

func (FromClient) isRoomMsg() {}

type GetView struct {
	Reply chan View
}

func (GetView) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// View reflects room internals without data races; used by the REST layer,
// the hub's idle reaper, and tests.
type View struct {
	Snapshot   protocol.Snapshot
	Status     protocol.RoomStatus
	NumClients int
	CreatedAt  time.Time
	LastActive time.Time
}

type client struct {
	identity string
	outbox   chan protocol.Envelope
	done     chan struct{}
}

// Room is the authoritative actor for one game. All state is owned by the
// loop goroutine; the rest of the process talks to it through the inbox.
type Room struct {
	code       string
	inbox      chan Msg
	game       engine.Game
	clients    map[string]*client
	rematchBy  string
	createdAt  time.Time
	lastActive time.Time
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(parent context.Context, code, host string, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	r := &Room{
		code:       code,
		inbox:      make(chan Msg, 64),
		game:       engine.NewGame(host),
		clients:    make(map[string]*client),
		createdAt:  now,
		lastActive: now,
		log:        log.With(zap.String("room", code)),
	}
	r.ctx = ctx
	r.cancel = cancel
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room loop has exited. Senders select on it so a
// message never parks in a dead inbox and a reply wait never hangs.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) Code() string { return r.code }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)
			case Leave:
				r.handleLeave(msg.ClientID)
			case FromClient:
				r.lastActive = time.Now()
				r.handleEnvelope(msg.ClientID, msg.Env)
			case GetView:
				msg.Reply <- View{
					Snapshot:   r.snapshot(),
					Status:     r.game.Status(),
					NumClients: len(r.clients),
					CreatedAt:  r.createdAt,
					LastActive: r.lastActive,
				}
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	if msg.Done != nil {
		select {
		case <-msg.Done:
			// Connection already torn down; it cannot come back.
			return
		default:
		}
	}

	ack := func(a protocol.JoinAck) {
		msg.Outbox <- protocol.Marshal(protocol.TypeJoinAck, msg.ReqID, a)
	}

	if msg.Identity == "" {
		ack(protocol.JoinAck{Error: protocol.JoinErrBadIdentity})
		return
	}

	seated := r.game.MarkOf(msg.Identity) != ""
	if !seated {
		if r.game.PlayerO != "" {
			ack(protocol.JoinAck{Error: protocol.JoinErrRoomFull})
			return
		}
		r.game.PlayerO = msg.Identity
	}

	// A reconnecting identity replaces its previous connection. A repeat
	// join on the same connection just refreshes the ack.
	for id, c := range r.clients {
		if c.identity == msg.Identity && id != msg.ClientID {
			r.drop(id, c)
		}
	}
	r.clients[msg.ClientID] = &client{identity: msg.Identity, outbox: msg.Outbox, done: msg.Done}
	r.lastActive = time.Now()

	snap := r.snapshot()
	ack(protocol.JoinAck{Success: true, Game: &snap})
	r.log.Info("player joined", zap.String("identity", msg.Identity), zap.Bool("rejoin", seated))

	// Everyone else re-syncs from the full snapshot.
	r.broadcastExcept(msg.ClientID, protocol.Marshal(protocol.TypePlayerJoined, "", protocol.PlayerEventPayload{
		RoomID:   r.code,
		Identity: msg.Identity,
		Game:     &snap,
	}))
}

func (r *Room) handleLeave(clientID string) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	r.drop(clientID, c)
	r.lastActive = time.Now()
	r.log.Info("player left", zap.String("identity", c.identity))

	// A pending rematch from the departed player is withdrawn.
	if r.rematchBy != "" && r.rematchBy == c.identity {
		r.rematchBy = ""
		r.broadcast(protocol.Marshal(protocol.TypeRematchDeclined, "", protocol.RematchResponsePayload{
			RoomID:    r.code,
			Responder: c.identity,
			Requester: c.identity,
		}))
	}

	r.broadcast(protocol.Marshal(protocol.TypePlayerLeft, "", protocol.PlayerEventPayload{
		RoomID:   r.code,
		Identity: c.identity,
	}))
}

func (r *Room) handleEnvelope(clientID string, env protocol.Envelope) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	switch env.Type {
	case protocol.TypeMove:
		r.handleMove(c, env.Data)
	case protocol.TypeChat:
		r.handleChat(c, env.Data)
	case protocol.TypeTyping:
		r.handleTyping(clientID, c, env.Data)
	case protocol.TypeRematchRequest:
		r.handleRematchRequest(c)
	case protocol.TypeRematchResponse:
		r.handleRematchResponse(c, env.Data)
	case protocol.TypeLeave:
		r.handleLeave(clientID)
	default:
		r.sendError(c, "unknown_type", "unsupported message type "+env.Type)
	}
}

func (r *Room) handleMove(c *client, data json.RawMessage) {
	var p protocol.MovePayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.sendError(c, "bad_payload", "malformed move")
		return
	}
	next, err := engine.Apply(r.game, c.identity, p.CellIndex)
	if err != nil {
		r.sendError(c, moveErrorCode(err), err.Error())
		return
	}
	r.game = next
	r.broadcastState()
}

func moveErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrWrongTurn):
		return "not_your_turn"
	case errors.Is(err, engine.ErrCellOccupied):
		return "cell_occupied"
	case errors.Is(err, engine.ErrCellOutOfRange):
		return "cell_out_of_range"
	case errors.Is(err, engine.ErrGameOver):
		return "game_over"
	case errors.Is(err, engine.ErrNoOpponent):
		return "opponent_missing"
	case errors.Is(err, engine.ErrNotSeated):
		return "not_seated"
	default:
		return "move_rejected"
	}
}

func (r *Room) handleChat(c *client, data json.RawMessage) {
	var p protocol.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		return
	}
	// Server timestamp wins: the echoed event defines the canonical order.
	echo := protocol.ChatPayload{
		RoomID:    r.code,
		Sender:    c.identity,
		Text:      p.Text,
		Timestamp: time.Now().UnixMilli(),
	}
	r.broadcast(protocol.Marshal(protocol.TypeChat, "", echo))
}

func (r *Room) handleTyping(clientID string, c *client, data json.RawMessage) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	p.RoomID = r.code
	p.Identity = c.identity
	// Typing indicators are for the other side only.
	r.broadcastExcept(clientID, protocol.Marshal(protocol.TypeTyping, "", p))
}

func (r *Room) handleRematchRequest(c *client) {
	if !r.game.Over() {
		r.sendError(c, "game_not_over", "rematch requires a finished game")
		return
	}
	if r.game.MarkOf(c.identity) == "" {
		r.sendError(c, "not_seated", "only players may request a rematch")
		return
	}
	switch r.rematchBy {
	case "":
		r.rematchBy = c.identity
		r.broadcast(protocol.Marshal(protocol.TypeRematchRequested, "", protocol.RematchRequestPayload{
			RoomID:    r.code,
			Requester: c.identity,
		}))
	case c.identity:
		// Duplicate request; already pending.
	default:
		// Both sides asked: that is a mutual accept.
		r.startRematch(c.identity)
	}
}

func (r *Room) handleRematchResponse(c *client, data json.RawMessage) {
	var p protocol.RematchResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if r.rematchBy == "" || r.rematchBy == c.identity {
		return
	}
	if p.Accepted {
		r.startRematch(c.identity)
		return
	}
	requester := r.rematchBy
	r.rematchBy = ""
	r.broadcast(protocol.Marshal(protocol.TypeRematchDeclined, "", protocol.RematchResponsePayload{
		RoomID:    r.code,
		Responder: c.identity,
		Requester: requester,
	}))
}

func (r *Room) startRematch(accepter string) {
	requester := r.rematchBy
	r.rematchBy = ""
	r.game = engine.Rematch(r.game)
	snap := r.snapshot()
	r.log.Info("rematch started", zap.String("requester", requester), zap.String("accepter", accepter))
	r.broadcast(protocol.Marshal(protocol.TypeRematchAccepted, "", struct {
		protocol.RematchResponsePayload
		Game *protocol.Snapshot `json:"game"`
	}{
		RematchResponsePayload: protocol.RematchResponsePayload{
			RoomID:    r.code,
			Responder: accepter,
			Requester: requester,
			Accepted:  true,
		},
		Game: &snap,
	}))
}

func (r *Room) snapshot() protocol.Snapshot {
	snap := r.game.Snapshot(r.code)
	for _, c := range r.clients {
		switch c.identity {
		case r.game.PlayerX:
			snap.PlayerXConnected = true
		case r.game.PlayerO:
			snap.PlayerOConnected = true
		}
	}
	return snap
}

func (r *Room) broadcastState() {
	snap := r.snapshot()
	r.broadcast(protocol.Marshal(protocol.TypeState, "", snap))
}

func (r *Room) sendError(c *client, code, message string) {
	env := protocol.Marshal(protocol.TypeError, "", protocol.ErrorPayload{Code: code, Message: message})
	select {
	case c.outbox <- env:
	default:
	}
}

func (r *Room) broadcast(env protocol.Envelope) {
	r.broadcastExcept("", env)
}

func (r *Room) broadcastExcept(skipID string, env protocol.Envelope) {
	for id, c := range r.clients {
		if id == skipID {
			continue
		}
		select {
		case c.outbox <- env:
		default:
			// Client is slow or stuck; drop it.
			r.drop(id, c)
		}
	}
}

// drop removes a client and signals its connection through the done
// channel. The outbox stays open: the connection side still sends into it
// and closes nothing the room also uses.
func (r *Room) drop(id string, c *client) {
	delete(r.clients, id)
	if c.done != nil {
		close(c.done)
	}
}

func (r *Room) shutdown() {
	env := protocol.Marshal(protocol.TypeRoomClosed, "", protocol.PlayerEventPayload{RoomID: r.code})
	for id, c := range r.clients {
		select {
		case c.outbox <- env:
		default:
		}
		r.drop(id, c)
	}
	r.cancel()
}
