package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

// TransportEventKind distinguishes protocol pushes from connection
// lifecycle changes on the single event stream a Transport exposes.
type TransportEventKind int

const (
	// KindPush is a server-pushed protocol event; Name and Data are set.
	KindPush TransportEventKind = iota
	// KindDisconnected means the link dropped but the transport is still
	// trying to get it back.
	KindDisconnected
	// KindReconnected means the link is back; any pre-disconnect state
	// must be re-synchronized from scratch.
	KindReconnected
	// KindClosed means the transport gave up (or was closed) and no
	// further events will arrive.
	KindClosed
)

type TransportEvent struct {
	Kind TransportEventKind
	Name string
	Data json.RawMessage
}

// Transport is a persistent bidirectional event channel. Implementations
// reconnect on their own; delivery is at-least-once across reconnects and
// ordering is only guaranteed within a single connection. The controller
// owns exactly one Transport handle for its lifetime; there is no package
// level connection state.
type Transport interface {
	// Emit sends a fire-and-forget event.
	Emit(ctx context.Context, event string, payload any) error
	// Request sends an event carrying a correlation ID and blocks until
	// the matching response arrives or ctx is done.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Events delivers pushes and lifecycle changes in arrival order.
	Events() <-chan TransportEvent
	Close() error
}

// ErrRoomGone is returned by a SnapshotFetcher when the room no longer
// exists server-side; the session treats it as terminal.
var ErrRoomGone = errors.New("room no longer exists")

// SnapshotFetcher is the out-of-band read path to the authoritative room
// state, used as a polling fallback while the push channel is down.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, roomID string) (*protocol.Snapshot, error)
}
