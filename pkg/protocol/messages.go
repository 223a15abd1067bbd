package protocol

import "encoding/json"

// Envelope frames every message on the socket, both directions. ID is only
// set on request/response pairs (join and its ack); pushed events leave it
// empty.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client -> server event types.
const (
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeMove            = "move"
	TypeChat            = "chat"
	TypeTyping          = "typing"
	TypeRematchRequest  = "rematch_request"
	TypeRematchResponse = "rematch_response"
)

// Server -> client event types.
const (
	TypeJoinAck          = "join_ack"
	TypeState            = "state"
	TypePlayerJoined     = "player_joined"
	TypePlayerLeft       = "player_left"
	TypeRematchRequested = "rematch_requested"
	TypeRematchAccepted  = "rematch_accepted"
	TypeRematchDeclined  = "rematch_declined"
	TypeRoomClosed       = "room_closed"
	TypeError            = "error"
)

type JoinRequest struct {
	RoomID    string `json:"room_id"`
	Identity  string `json:"identity"`
	Timestamp int64  `json:"timestamp"`
}

// Join failure reasons, carried in JoinAck.Error.
const (
	JoinErrRoomNotFound = "room_not_found"
	JoinErrRoomFull     = "room_full"
	JoinErrBadIdentity  = "bad_identity"
)

type JoinAck struct {
	Success bool      `json:"success"`
	Game    *Snapshot `json:"game,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type LeavePayload struct {
	RoomID    string `json:"room_id"`
	Identity  string `json:"identity"`
	Timestamp int64  `json:"timestamp"`
}

type MovePayload struct {
	RoomID    string `json:"room_id"`
	CellIndex int    `json:"cell_index"`
	Mark      Mark   `json:"mark"`
	Identity  string `json:"identity"`
	Timestamp int64  `json:"timestamp"`
}

type ChatPayload struct {
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type TypingPayload struct {
	RoomID   string `json:"room_id"`
	Identity string `json:"identity"`
	IsTyping bool   `json:"is_typing"`
}

type RematchRequestPayload struct {
	RoomID    string `json:"room_id"`
	Requester string `json:"requester"`
}

type RematchResponsePayload struct {
	RoomID    string `json:"room_id"`
	Responder string `json:"responder"`
	Requester string `json:"requester"`
	Accepted  bool   `json:"accepted"`
}

type PlayerEventPayload struct {
	RoomID   string    `json:"room_id"`
	Identity string    `json:"identity"`
	Game     *Snapshot `json:"game,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal wraps payload into an envelope of the given type. Marshal errors
// are impossible for the fixed payload structs above, so they panic.
func Marshal(typ, id string, payload any) Envelope {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("protocol: marshal " + typ + ": " + err.Error())
		}
		data = b
	}
	return Envelope{Type: typ, ID: id, Data: data}
}
