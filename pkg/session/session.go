package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateJoining      ConnectionState = "joining"
	StateActive       ConnectionState = "active"
	StateReconnecting ConnectionState = "reconnecting"
	StateDisconnected ConnectionState = "disconnected"
)

type RematchState string

const (
	RematchNone              RematchState = "none"
	RematchRequestedByLocal  RematchState = "requested_by_local"
	RematchRequestedByRemote RematchState = "requested_by_remote"
	RematchAccepted          RematchState = "accepted"
)

type ChatMessage struct {
	Sender    string
	Text      string
	Timestamp int64
}

// Notification is a typed, human-displayable event for the presentation
// layer. Nothing network-originated is silently swallowed; it either
// changes the View or lands here (usually both).
type Notification struct {
	Kind    string
	Message string
}

const (
	NoticeError            = "error"
	NoticeReconnecting     = "reconnecting"
	NoticeRoomClosed       = "room_closed"
	NoticePlayerJoined     = "player_joined"
	NoticePlayerLeft       = "player_left"
	NoticeChat             = "chat"
	NoticeRematchRequested = "rematch_requested"
	NoticeRematchAccepted  = "rematch_accepted"
	NoticeRematchDeclined  = "rematch_declined"
)

// View is a self-consistent copy of the session, safe to read from any
// goroutine. PendingMove is -1 when no move is awaiting confirmation.
type View struct {
	RoomID      string
	Identity    string
	State       ConnectionState
	Game        protocol.Snapshot
	Mark        protocol.Mark
	PendingMove int
	Rematch     RematchState
	RematchFrom string
	Chat        []ChatMessage
	Typing      []string
}

const maxChatLen = 500

type Option func(*Controller)

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithFetcher enables the REST polling fallback while the push channel is
// down.
func WithFetcher(f SnapshotFetcher) Option {
	return func(c *Controller) { c.fetcher = f }
}

func WithTypingQuietPeriod(d time.Duration) Option {
	return func(c *Controller) { c.typingQuiet = d }
}

func WithTypingExpiry(d time.Duration) Option {
	return func(c *Controller) { c.typingExpiry = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(c *Controller) { c.joinTimeout = d }
}

// Controller mediates between a Transport's event stream and the
// presentation layer for exactly one room at a time. All session state is
// owned by a single loop goroutine; commands and ingested events are
// processed to completion in arrival order, so no locking exists anywhere.
type Controller struct {
	transport Transport
	fetcher   SnapshotFetcher
	log       *zap.Logger

	typingQuiet  time.Duration
	typingExpiry time.Duration
	pollInterval time.Duration
	joinTimeout  time.Duration

	inbox  chan ctrlMsg
	notifs chan Notification
	quit   chan struct{}

	// Everything below is loop-owned.
	sess     *sessionState
	epoch    int
	handlers map[string]func(json.RawMessage)
	closed   bool
}

type sessionState struct {
	epoch    int
	roomID   string
	identity string
	state    ConnectionState

	game        protocol.Snapshot
	pendingMove int

	rematch     RematchState
	rematchFrom string

	chat      []ChatMessage
	typing    map[string]int // identity -> expiry generation
	typingGen int

	localTyping bool
	quietGen    int

	fetchInFlight bool
	joinPending   chan error
}

type ctrlMsg interface{ isCtrlMsg() }

type joinCmd struct {
	roomID   string
	identity string
	reply    chan error
}
type leaveCmd struct{ reply chan struct{} }
type moveCmd struct {
	cell  int
	reply chan error
}
type chatCmd struct {
	text  string
	reply chan error
}
type typingCmd struct{ typing bool }
type rematchCmd struct{ reply chan error }
type rematchRespondCmd struct {
	accept bool
	reply  chan error
}
type viewCmd struct{ reply chan View }
type closeCmd struct{ reply chan struct{} }

type joinResult struct {
	epoch int
	ack   protocol.JoinAck
	err   error
}
type fetchResult struct {
	epoch int
	snap  *protocol.Snapshot
	err   error
}
type typingExpired struct {
	identity string
	gen      int
}
type typingQuietFired struct{ gen int }

func (joinCmd) isCtrlMsg()           {}
func (leaveCmd) isCtrlMsg()          {}
func (moveCmd) isCtrlMsg()           {}
func (chatCmd) isCtrlMsg()           {}
func (typingCmd) isCtrlMsg()         {}
func (rematchCmd) isCtrlMsg()        {}
func (rematchRespondCmd) isCtrlMsg() {}
func (viewCmd) isCtrlMsg()           {}
func (closeCmd) isCtrlMsg()          {}
func (joinResult) isCtrlMsg()        {}
func (fetchResult) isCtrlMsg()       {}
func (typingExpired) isCtrlMsg()     {}
func (typingQuietFired) isCtrlMsg()  {}

// New starts the controller loop. The transport handle is owned by the
// caller and passed in explicitly; closing the controller does not close
// it.
func New(t Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:    t,
		log:          zap.NewNop(),
		typingQuiet:  time.Second,
		typingExpiry: 3 * time.Second,
		pollInterval: 5 * time.Second,
		joinTimeout:  10 * time.Second,
		inbox:        make(chan ctrlMsg, 64),
		notifs:       make(chan Notification, 32),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.loop()
	return c
}

// Notifications delivers typed, displayable events. The channel is
// buffered; a reader that falls far behind loses the oldest notifications.
func (c *Controller) Notifications() <-chan Notification { return c.notifs }

// Join joins (or re-joins) a room. Calling it again for the room the
// controller is already in is a no-op returning nil: reconnect-triggered
// re-joins never duplicate event handlers.
func (c *Controller) Join(ctx context.Context, roomID, identity string) error {
	reply := make(chan error, 1)
	if err := c.send(joinCmd{roomID: roomID, identity: identity, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrSessionClosed
	}
}

// Leave destroys the session: a best-effort leave notification is emitted,
// all event handlers are torn down synchronously, and late responses to
// anything in flight are discarded. Safe to call any number of times.
func (c *Controller) Leave() {
	reply := make(chan struct{}, 1)
	if err := c.send(leaveCmd{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-c.quit:
	}
}

// SubmitMove pre-validates the move locally and emits it only when every
// check passes. The server still re-validates; whatever snapshot it pushes
// next wins regardless of what we predicted.
func (c *Controller) SubmitMove(cell int) error {
	reply := make(chan error, 1)
	return c.roundTrip(moveCmd{cell: cell, reply: reply}, reply)
}

// SendChat emits a chat message. It is not appended locally; the log grows
// only when the server echo arrives, so every participant sees the same
// server-ordered history.
func (c *Controller) SendChat(text string) error {
	reply := make(chan error, 1)
	return c.roundTrip(chatCmd{text: text, reply: reply}, reply)
}

// SetTyping signals the local typing state. Emissions are debounced: a
// quiet period after the last SetTyping(true) produces the stop signal
// automatically. The local identity never appears in its own typing set.
func (c *Controller) SetTyping(typing bool) {
	_ = c.send(typingCmd{typing: typing})
}

// RequestRematch asks the opponent for a fresh game. Valid only once the
// current game has concluded; a second call while a request is outstanding
// is a no-op.
func (c *Controller) RequestRematch() error {
	reply := make(chan error, 1)
	return c.roundTrip(rematchCmd{reply: reply}, reply)
}

// RespondRematch answers an opponent's rematch request. On accept the
// session stays in the accepted state until the server pushes the fresh
// board; the reset is server-driven, never optimistic.
func (c *Controller) RespondRematch(accept bool) error {
	reply := make(chan error, 1)
	return c.roundTrip(rematchRespondCmd{accept: accept, reply: reply}, reply)
}

// State returns a copy of the current session view.
func (c *Controller) State() View {
	reply := make(chan View, 1)
	if err := c.send(viewCmd{reply: reply}); err != nil {
		return View{State: StateDisconnected}
	}
	select {
	case v := <-reply:
		return v
	case <-c.quit:
		return View{State: StateDisconnected}
	}
}

// Close stops the loop. It does not close the transport; the caller owns
// that handle.
func (c *Controller) Close() {
	reply := make(chan struct{}, 1)
	if err := c.send(closeCmd{reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-c.quit:
	}
}

func (c *Controller) send(m ctrlMsg) error {
	select {
	case c.inbox <- m:
		return nil
	case <-c.quit:
		return ErrSessionClosed
	}
}

func (c *Controller) roundTrip(m ctrlMsg, reply chan error) error {
	if err := c.send(m); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.quit:
		return ErrSessionClosed
	}
}

func (c *Controller) loop() {
	events := c.transport.Events()
	var poll *time.Ticker
	var pollC <-chan time.Time

	stopPoll := func() {
		if poll != nil {
			poll.Stop()
			poll = nil
			pollC = nil
		}
	}
	startPoll := func() {
		if poll == nil && c.fetcher != nil {
			poll = time.NewTicker(c.pollInterval)
			pollC = poll.C
		}
	}

	defer stopPoll()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				ev = TransportEvent{Kind: KindClosed}
			}
			c.handleTransportEvent(ev, startPoll, stopPoll)
			if c.closed {
				close(c.quit)
				return
			}

		case <-pollC:
			c.maybeFetch()

		case m := <-c.inbox:
			c.handleMsg(m, startPoll, stopPoll)
			if c.closed {
				close(c.quit)
				return
			}
		}
	}
}

func (c *Controller) handleMsg(m ctrlMsg, startPoll, stopPoll func()) {
	switch msg := m.(type) {
	case joinCmd:
		c.handleJoinCmd(msg)
	case leaveCmd:
		c.teardown(true)
		stopPoll()
		msg.reply <- struct{}{}
	case moveCmd:
		msg.reply <- c.handleMoveCmd(msg.cell)
	case chatCmd:
		msg.reply <- c.handleChatCmd(msg.text)
	case typingCmd:
		c.handleTypingCmd(msg.typing)
	case rematchCmd:
		msg.reply <- c.handleRematchCmd()
	case rematchRespondCmd:
		msg.reply <- c.handleRematchRespondCmd(msg.accept)
	case viewCmd:
		msg.reply <- c.view()
	case closeCmd:
		c.teardown(false)
		c.closed = true
		msg.reply <- struct{}{}

	case joinResult:
		c.handleJoinResult(msg, stopPoll)
	case fetchResult:
		c.handleFetchResult(msg, stopPoll)
	case typingExpired:
		if c.sess != nil && c.sess.typing[msg.identity] == msg.gen {
			delete(c.sess.typing, msg.identity)
		}
	case typingQuietFired:
		if c.sess != nil && msg.gen == c.sess.quietGen && c.sess.localTyping {
			c.sess.localTyping = false
			c.emitAsync(protocol.TypeTyping, protocol.TypingPayload{
				RoomID:   c.sess.roomID,
				Identity: c.sess.identity,
				IsTyping: false,
			})
		}
	}
}

func (c *Controller) handleJoinCmd(msg joinCmd) {
	if c.sess != nil && c.sess.state != StateDisconnected {
		if c.sess.roomID == msg.roomID {
			// Idempotent: one live session, one set of handlers.
			msg.reply <- nil
			return
		}
		msg.reply <- ErrAlreadyJoined
		return
	}

	c.epoch++
	c.sess = &sessionState{
		epoch:       c.epoch,
		roomID:      msg.roomID,
		identity:    msg.identity,
		state:       StateJoining,
		pendingMove: -1,
		rematch:     RematchNone,
		typing:      make(map[string]int),
		joinPending: msg.reply,
	}
	c.registerHandlers()
	c.startJoinRequest()
}

// startJoinRequest performs the join round trip off-loop; the result comes
// back through the inbox tagged with the session epoch so answers to a
// session that has since been left are discarded.
func (c *Controller) startJoinRequest() {
	epoch := c.sess.epoch
	req := protocol.JoinRequest{
		RoomID:    c.sess.roomID,
		Identity:  c.sess.identity,
		Timestamp: time.Now().UnixMilli(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.joinTimeout)
		defer cancel()
		raw, err := c.transport.Request(ctx, protocol.TypeJoin, req)
		res := joinResult{epoch: epoch, err: err}
		if err == nil {
			res.err = json.Unmarshal(raw, &res.ack)
		}
		c.post(res)
	}()
}

func (c *Controller) handleJoinResult(msg joinResult, stopPoll func()) {
	if c.sess == nil || c.sess.epoch != msg.epoch {
		return // session was left; discard silently
	}
	s := c.sess
	pending := s.joinPending
	s.joinPending = nil

	fail := func(err error) {
		if pending != nil {
			// Caller-initiated join: surface the error, no session exists.
			c.sess = nil
			c.handlers = nil
			pending <- err
			return
		}
		// Automatic re-join after a reconnect. Nobody is waiting on a
		// reply channel, so the session record stays, parked in its
		// terminal state, and State() readers see the exit.
		s.state = StateDisconnected
		c.handlers = nil
		stopPoll()
		reason := "re-join failed: " + err.Error()
		if errors.Is(err, ErrRoomNotFound) {
			reason = "room no longer exists"
		}
		c.notify(NoticeRoomClosed, reason)
	}

	if msg.err != nil {
		fail(msg.err)
		return
	}
	if !msg.ack.Success {
		switch msg.ack.Error {
		case protocol.JoinErrRoomNotFound:
			fail(ErrRoomNotFound)
		default:
			fail(ErrJoinRejected)
		}
		return
	}

	s.state = StateActive
	if msg.ack.Game != nil {
		c.applySnapshot(*msg.ack.Game)
	}
	stopPoll()
	c.log.Debug("session active", zap.String("room", s.roomID))
	if pending != nil {
		pending <- nil
	}
}

func (c *Controller) handleMoveCmd(cell int) error {
	s := c.sess
	if s == nil || s.state != StateActive {
		return ErrNotConnected
	}
	if s.game.Result != protocol.ResultNone {
		return ErrGameOver
	}
	if cell < 0 || cell > 8 {
		return ErrInvalidCell
	}
	if s.game.Board[cell] != "" {
		return ErrCellOccupied
	}
	mark := s.game.MarkOf(s.identity)
	if mark == "" || s.game.Turn != mark {
		return ErrNotYourTurn
	}
	if s.game.PlayerO == "" {
		return ErrOpponentMissing
	}

	s.pendingMove = cell
	c.emitAsync(protocol.TypeMove, protocol.MovePayload{
		RoomID:    s.roomID,
		CellIndex: cell,
		Mark:      mark,
		Identity:  s.identity,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

func (c *Controller) handleChatCmd(text string) error {
	s := c.sess
	if s == nil || s.state == StateDisconnected {
		return ErrNotConnected
	}
	if text == "" {
		return ErrEmptyChatMessage
	}
	if len([]rune(text)) > maxChatLen {
		return ErrChatMessageTooLong
	}
	c.emitAsync(protocol.TypeChat, protocol.ChatPayload{
		RoomID:    s.roomID,
		Sender:    s.identity,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

func (c *Controller) handleTypingCmd(typing bool) {
	s := c.sess
	if s == nil || s.state != StateActive {
		return
	}
	if typing {
		if !s.localTyping {
			s.localTyping = true
			c.emitAsync(protocol.TypeTyping, protocol.TypingPayload{
				RoomID:   s.roomID,
				Identity: s.identity,
				IsTyping: true,
			})
		}
		// Re-arm the quiet-period timer.
		s.quietGen++
		gen := s.quietGen
		time.AfterFunc(c.typingQuiet, func() {
			c.post(typingQuietFired{gen: gen})
		})
		return
	}
	s.quietGen++ // cancels any pending quiet fire
	if s.localTyping {
		s.localTyping = false
		c.emitAsync(protocol.TypeTyping, protocol.TypingPayload{
			RoomID:   s.roomID,
			Identity: s.identity,
			IsTyping: false,
		})
	}
}

func (c *Controller) handleRematchCmd() error {
	s := c.sess
	if s == nil || s.state != StateActive {
		return ErrNotConnected
	}
	if s.game.Result == protocol.ResultNone {
		return ErrGameNotOver
	}
	if s.rematch != RematchNone {
		return nil // at most one outstanding request; duplicate is a no-op
	}
	s.rematch = RematchRequestedByLocal
	s.rematchFrom = s.identity
	c.emitAsync(protocol.TypeRematchRequest, protocol.RematchRequestPayload{
		RoomID:    s.roomID,
		Requester: s.identity,
	})
	return nil
}

func (c *Controller) handleRematchRespondCmd(accept bool) error {
	s := c.sess
	if s == nil || s.state != StateActive {
		return ErrNotConnected
	}
	if s.rematch != RematchRequestedByRemote {
		return ErrNoRematchPending
	}
	c.emitAsync(protocol.TypeRematchResponse, protocol.RematchResponsePayload{
		RoomID:    s.roomID,
		Responder: s.identity,
		Requester: s.rematchFrom,
		Accepted:  accept,
	})
	if accept {
		// The fresh board arrives from the server; until then we are
		// merely accepted, not reset.
		s.rematch = RematchAccepted
	} else {
		s.rematch = RematchNone
		s.rematchFrom = ""
	}
	return nil
}

func (c *Controller) handleTransportEvent(ev TransportEvent, startPoll, stopPoll func()) {
	switch ev.Kind {
	case KindPush:
		if c.handlers == nil {
			return // no session: late pushes are discarded
		}
		if h, ok := c.handlers[ev.Name]; ok {
			h(ev.Data)
		} else {
			c.log.Debug("unhandled push", zap.String("event", ev.Name))
		}

	case KindDisconnected:
		if c.sess == nil || c.sess.state == StateDisconnected {
			return
		}
		c.sess.state = StateReconnecting
		c.notify(NoticeReconnecting, "connection lost, reconnecting")
		startPoll()

	case KindReconnected:
		if c.sess == nil || c.sess.state == StateDisconnected {
			return
		}
		// Never trust the pre-disconnect snapshot: re-join and
		// re-synchronize from scratch.
		c.sess.state = StateJoining
		c.startJoinRequest()

	case KindClosed:
		stopPoll()
		if c.sess != nil && c.sess.state != StateDisconnected {
			c.sess.state = StateDisconnected
			c.notify(NoticeRoomClosed, "connection closed")
		}
	}
}

func (c *Controller) maybeFetch() {
	s := c.sess
	if s == nil || s.state != StateReconnecting || c.fetcher == nil {
		return
	}
	if s.fetchInFlight {
		return // one fetch at a time during connectivity flaps
	}
	s.fetchInFlight = true
	epoch := s.epoch
	roomID := s.roomID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
		defer cancel()
		snap, err := c.fetcher.FetchSnapshot(ctx, roomID)
		c.post(fetchResult{epoch: epoch, snap: snap, err: err})
	}()
}

func (c *Controller) handleFetchResult(msg fetchResult, stopPoll func()) {
	if c.sess == nil || c.sess.epoch != msg.epoch {
		return
	}
	c.sess.fetchInFlight = false
	switch {
	case errors.Is(msg.err, ErrRoomGone):
		c.sess.state = StateDisconnected
		stopPoll()
		c.notify(NoticeRoomClosed, "room no longer exists")
	case msg.err != nil:
		c.log.Debug("snapshot fetch failed", zap.Error(msg.err))
	case msg.snap != nil:
		// Same wholesale-overwrite sink as push events.
		c.applySnapshot(*msg.snap)
	}
}

// registerHandlers installs the dispatch table, once per session. Teardown
// nils it out, so a left session can never have a handler invoked again.
func (c *Controller) registerHandlers() {
	c.handlers = map[string]func(json.RawMessage){
		protocol.TypeState:            c.onState,
		protocol.TypePlayerJoined:     c.onPlayerJoined,
		protocol.TypePlayerLeft:       c.onPlayerLeft,
		protocol.TypeChat:             c.onChat,
		protocol.TypeTyping:           c.onTyping,
		protocol.TypeRematchRequested: c.onRematchRequested,
		protocol.TypeRematchAccepted:  c.onRematchAccepted,
		protocol.TypeRematchDeclined:  c.onRematchDeclined,
		protocol.TypeRoomClosed:       c.onRoomClosed,
		protocol.TypeError:            c.onError,
	}
}

func (c *Controller) onState(data json.RawMessage) {
	var snap protocol.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	c.applySnapshot(snap)
}

func (c *Controller) onPlayerJoined(data json.RawMessage) {
	var p protocol.PlayerEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Game != nil {
		c.applySnapshot(*p.Game)
	}
	if p.Identity != c.sess.identity {
		c.notify(NoticePlayerJoined, p.Identity+" joined")
	}
}

func (c *Controller) onPlayerLeft(data json.RawMessage) {
	var p protocol.PlayerEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	s := c.sess
	// The seat stays taken; only the connectivity flag flips. The session
	// itself remains active so the opponent can come back.
	switch p.Identity {
	case s.game.PlayerX:
		s.game.PlayerXConnected = false
	case s.game.PlayerO:
		s.game.PlayerOConnected = false
	}
	delete(s.typing, p.Identity)
	if p.Identity != s.identity {
		c.notify(NoticePlayerLeft, p.Identity+" disconnected")
	}
}

func (c *Controller) onChat(data json.RawMessage) {
	var p protocol.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.sess.chat = append(c.sess.chat, ChatMessage{
		Sender:    p.Sender,
		Text:      p.Text,
		Timestamp: p.Timestamp,
	})
	c.notify(NoticeChat, p.Sender+": "+p.Text)
}

func (c *Controller) onTyping(data json.RawMessage) {
	var p protocol.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	s := c.sess
	if p.Identity == s.identity {
		return // only remote participants show in the typing set
	}
	if !p.IsTyping {
		delete(s.typing, p.Identity)
		return
	}
	s.typingGen++
	gen := s.typingGen
	s.typing[p.Identity] = gen
	identity := p.Identity
	// Self-healing: expire the entry even if the stop event never arrives.
	time.AfterFunc(c.typingExpiry, func() {
		c.post(typingExpired{identity: identity, gen: gen})
	})
}

func (c *Controller) onRematchRequested(data json.RawMessage) {
	var p protocol.RematchRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	s := c.sess
	if p.Requester == s.identity {
		return // echo of our own request
	}
	if s.rematch == RematchRequestedByLocal {
		// Both sides asked: accept immediately instead of prompting,
		// otherwise each would wait on the other forever.
		s.rematch = RematchAccepted
		c.emitAsync(protocol.TypeRematchResponse, protocol.RematchResponsePayload{
			RoomID:    s.roomID,
			Responder: s.identity,
			Requester: p.Requester,
			Accepted:  true,
		})
		return
	}
	s.rematch = RematchRequestedByRemote
	s.rematchFrom = p.Requester
	c.notify(NoticeRematchRequested, p.Requester+" wants a rematch")
}

func (c *Controller) onRematchAccepted(data json.RawMessage) {
	var p struct {
		protocol.RematchResponsePayload
		Game *protocol.Snapshot `json:"game"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.Game != nil {
		c.applySnapshot(*p.Game)
	}
	c.sess.rematch = RematchNone
	c.sess.rematchFrom = ""
	c.notify(NoticeRematchAccepted, "rematch accepted, new game started")
}

func (c *Controller) onRematchDeclined(data json.RawMessage) {
	var p protocol.RematchResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.sess.rematch = RematchNone
	c.sess.rematchFrom = ""
	c.notify(NoticeRematchDeclined, "rematch declined")
}

func (c *Controller) onRoomClosed(json.RawMessage) {
	c.sess.state = StateDisconnected
	c.handlers = nil
	c.notify(NoticeRoomClosed, "room was closed")
}

func (c *Controller) onError(data json.RawMessage) {
	var p protocol.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	// Non-fatal by definition: surfaced, never a state transition.
	c.notify(NoticeError, p.Message)
}

// applySnapshot is the single sink every authoritative state write goes
// through: the snapshot replaces the game wholesale and clears the pending
// move whether or not it reflects it.
func (c *Controller) applySnapshot(snap protocol.Snapshot) {
	c.sess.game = snap
	c.sess.pendingMove = -1
}

func (c *Controller) teardown(emitLeave bool) {
	s := c.sess
	if s == nil {
		return
	}
	if emitLeave && s.state != StateDisconnected {
		c.emitAsync(protocol.TypeLeave, protocol.LeavePayload{
			RoomID:    s.roomID,
			Identity:  s.identity,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	if s.joinPending != nil {
		s.joinPending <- ErrSessionClosed
	}
	c.epoch++ // anything still in flight for the old epoch is now stale
	c.handlers = nil
	c.sess = nil
}

func (c *Controller) view() View {
	s := c.sess
	if s == nil {
		state := StateConnecting
		if c.closed {
			state = StateDisconnected
		}
		return View{State: state, PendingMove: -1}
	}
	typing := make([]string, 0, len(s.typing))
	for identity := range s.typing {
		typing = append(typing, identity)
	}
	chat := make([]ChatMessage, len(s.chat))
	copy(chat, s.chat)
	return View{
		RoomID:      s.roomID,
		Identity:    s.identity,
		State:       s.state,
		Game:        s.game,
		Mark:        s.game.MarkOf(s.identity),
		PendingMove: s.pendingMove,
		Rematch:     s.rematch,
		RematchFrom: s.rematchFrom,
		Chat:        chat,
		Typing:      typing,
	}
}

func (c *Controller) notify(kind, message string) {
	select {
	case c.notifs <- Notification{Kind: kind, Message: message}:
	default:
		// Reader fell behind; drop rather than block the loop.
	}
}

// emitAsync fires an event without blocking the loop on the network.
func (c *Controller) emitAsync(event string, payload any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.transport.Emit(ctx, event, payload); err != nil {
			c.log.Debug("emit failed", zap.String("event", event), zap.Error(err))
		}
	}()
}

// post delivers a loop-internal message unless the controller has shut
// down in the meantime.
func (c *Controller) post(m ctrlMsg) {
	select {
	case c.inbox <- m:
	case <-c.quit:
	}
}
