package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/internal/room"
)

type HubMsg interface{ isHubMsg() }

// EnsureRoom creates the room if it does not exist yet. Host is only used
// when creation happens.
type EnsureRoom struct {
	Code  string
	Host  string
	Reply chan *room.Room
}

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

type RemoveRoom struct {
	Code string
}

type ListRooms struct {
	Reply chan []*room.Room
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox       chan HubMsg
	rooms       map[string]*room.Room
	idleTimeout time.Duration
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewHub starts the registry loop. Rooms idle (no clients, no traffic) for
// longer than idleTimeout are shut down and forgotten; zero disables reaping.
func NewHub(parent context.Context, idleTimeout time.Duration, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		inbox:       make(chan HubMsg, 64),
		rooms:       make(map[string]*room.Room),
		idleTimeout: idleTimeout,
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	var reap <-chan time.Time
	if h.idleTimeout > 0 {
		t := time.NewTicker(h.idleTimeout / 2)
		defer t.Stop()
		reap = t.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-reap:
			h.reapIdle()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if r := h.rooms[msg.Code]; r != nil {
					msg.Reply <- r
					break
				}
				r := room.New(h.ctx, msg.Code, msg.Host, h.log)
				h.rooms[msg.Code] = r
				h.log.Info("room created", zap.String("room", msg.Code), zap.String("host", msg.Host))
				msg.Reply <- r

			case GetRoom:
				msg.Reply <- h.rooms[msg.Code] // may be nil

			case RemoveRoom:
				if r := h.rooms[msg.Code]; r != nil {
					r.Inbox() <- room.Shutdown{}
					delete(h.rooms, msg.Code)
				}

			case ListRooms:
				list := make([]*room.Room, 0, len(h.rooms))
				for _, r := range h.rooms {
					list = append(list, r)
				}
				msg.Reply <- list

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) reapIdle() {
	cutoff := time.Now().Add(-h.idleTimeout)
	for code, r := range h.rooms {
		reply := make(chan room.View, 1)
		select {
		case r.Inbox() <- room.GetView{Reply: reply}:
		case <-r.Done():
			delete(h.rooms, code)
			continue
		}
		var v room.View
		select {
		case v = <-reply:
		case <-r.Done():
			delete(h.rooms, code)
			continue
		}
		if v.NumClients == 0 && v.LastActive.Before(cutoff) {
			h.log.Info("reaping idle room", zap.String("room", code))
			r.Inbox() <- room.Shutdown{}
			delete(h.rooms, code)
		}
	}
}

func (h *Hub) shutdown() {
	for code, r := range h.rooms {
		r.Inbox() <- room.Shutdown{}
		delete(h.rooms, code)
	}
	h.cancel()
}
