package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/internal/hub"
	"github.com/jmfrank/tictactoe-backend/internal/room"
	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// Handler upgrades the connection and bridges it to a room actor. The room
// itself is named in the join envelope, not the URL, so a reconnecting
// client can reuse the same endpoint.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		outbox := make(chan protocol.Envelope, 16)
		done := make(chan struct{}) // closed by the room when it lets go of us
		clog := log.With(zap.String("client", clientID))

		// Writer goroutine: drains the outbox the room broadcasts into.
		// The room never closes the outbox (the reader below sends into it
		// too); it closes done instead, after which we flush what is queued
		// and shut the connection, which unblocks the reader.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			write := func(env protocol.Envelope) bool {
				payload, _ := json.Marshal(env)
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				return err == nil
			}
			for {
				select {
				case env := <-outbox:
					if !write(env) {
						return
					}
				case <-done:
					for {
						select {
						case env := <-outbox:
							if !write(env) {
								return
							}
						default:
							conn.Close(websocket.StatusGoingAway, "room closed")
							return
						}
					}
				case <-writeCtx.Done():
					return
				}
			}
		}()

		// send queues a reader-originated envelope. Once the room has torn
		// the connection down the answer has nowhere to go.
		send := func(env protocol.Envelope) {
			select {
			case outbox <- env:
			case <-done:
			}
		}

		var rm *room.Room
		defer func() {
			if rm == nil {
				return
			}
			select {
			case rm.Inbox() <- room.Leave{ClientID: clientID}:
			case <-rm.Done():
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				send(protocol.Marshal(protocol.TypeError, "", protocol.ErrorPayload{
					Code: "bad_json", Message: "malformed envelope",
				}))
				continue
			}

			if env.Type == protocol.TypeJoin {
				var req protocol.JoinRequest
				if err := json.Unmarshal(env.Data, &req); err != nil {
					send(protocol.Marshal(protocol.TypeJoinAck, env.ID, protocol.JoinAck{
						Error: protocol.JoinErrBadIdentity,
					}))
					continue
				}

				reply := make(chan *room.Room, 1)
				h.Inbox() <- hub.GetRoom{Code: req.RoomID, Reply: reply}
				target := <-reply
				if target == nil {
					send(protocol.Marshal(protocol.TypeJoinAck, env.ID, protocol.JoinAck{
						Error: protocol.JoinErrRoomNotFound,
					}))
					continue
				}

				clog.Debug("joining room",
					zap.String("room", req.RoomID),
					zap.String("identity", req.Identity))
				select {
				case target.Inbox() <- room.Join{
					ClientID: clientID,
					Identity: req.Identity,
					ReqID:    env.ID,
					Outbox:   outbox,
					Done:     done,
				}:
					rm = target
				case <-target.Done():
					send(protocol.Marshal(protocol.TypeJoinAck, env.ID, protocol.JoinAck{
						Error: protocol.JoinErrRoomNotFound,
					}))
				}
				continue
			}

			if rm == nil {
				send(protocol.Marshal(protocol.TypeError, "", protocol.ErrorPayload{
					Code: "not_joined", Message: "join a room first",
				}))
				continue
			}
			select {
			case rm.Inbox() <- room.FromClient{ClientID: clientID, Env: env}:
			case <-rm.Done():
			}
		}
	}
}
