package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

var ErrTransportClosed = errors.New("transport closed")

type WSOption func(*WSTransport)

func WSWithLogger(log *zap.Logger) WSOption {
	return func(t *WSTransport) { t.log = log }
}

// WSWithMaxRetries bounds reconnection attempts; 0 keeps the default.
func WSWithMaxRetries(n int) WSOption {
	return func(t *WSTransport) { t.maxRetries = n }
}

// WSTransport is the coder/websocket Transport implementation: JSON
// envelopes, request correlation by envelope ID, and automatic reconnect
// with capped exponential backoff.
type WSTransport struct {
	url string
	log *zap.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	events chan TransportEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan json.RawMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// DialWS connects to the server's /ws endpoint and starts the read pump.
func DialWS(ctx context.Context, url string, opts ...WSOption) (*WSTransport, error) {
	t := &WSTransport{
		url:        url,
		log:        zap.NewNop(),
		maxRetries: 8,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   10 * time.Second,
		events:     make(chan TransportEvent, 64),
		pending:    make(map[string]chan json.RawMessage),
	}
	for _, opt := range opts {
		opt(t)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	go t.run()
	return t, nil
}

func (t *WSTransport) Events() <-chan TransportEvent { return t.events }

func (t *WSTransport) Emit(ctx context.Context, event string, payload any) error {
	return t.write(ctx, protocol.Marshal(event, "", payload))
}

func (t *WSTransport) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.write(ctx, protocol.Marshal(event, id, payload)); err != nil {
		return nil, err
	}

	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrTransportClosed
	}
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close(websocket.StatusNormalClosure, "bye")
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *WSTransport) write(ctx context.Context, env protocol.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// run reads until the connection dies, then reconnects with backoff. The
// events channel is closed only when the transport gives up or is closed,
// which the session treats as terminal.
func (t *WSTransport) run() {
	defer close(t.events)

	for {
		t.readLoop()
		if t.ctx.Err() != nil {
			return
		}

		t.push(TransportEvent{Kind: KindDisconnected})
		if !t.reconnect() {
			return
		}
		t.push(TransportEvent{Kind: KindReconnected})
	}
}

func (t *WSTransport) readLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		if env.ID != "" {
			t.mu.Lock()
			ch, ok := t.pending[env.ID]
			t.mu.Unlock()
			if ok {
				ch <- env.Data
				continue
			}
			// A response nobody is waiting for anymore; drop it.
			continue
		}

		t.push(TransportEvent{Kind: KindPush, Name: env.Type, Data: env.Data})
	}
}

func (t *WSTransport) reconnect() bool {
	delay := t.baseDelay
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		select {
		case <-time.After(delay):
		case <-t.ctx.Done():
			return false
		}

		ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
		conn, _, err := websocket.Dial(ctx, t.url, nil)
		cancel()
		if err == nil {
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.log.Debug("reconnected", zap.Int("attempt", attempt))
			return true
		}

		t.log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		delay *= 2
		if delay > t.maxDelay {
			delay = t.maxDelay
		}
	}
	return false
}

func (t *WSTransport) push(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
