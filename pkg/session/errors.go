package session

import "errors"

// Local move pre-validation failures. These never reach the network: the
// caller gets them synchronously and nothing changes.
var ErrNotConnected = errors.New("not connected to a room")
var ErrGameOver = errors.New("game is over")
var ErrCellOccupied = errors.New("cell is occupied")
var ErrNotYourTurn = errors.New("not your turn")
var ErrInvalidCell = errors.New("cell index out of range")
var ErrOpponentMissing = errors.New("waiting for an opponent")

// Join failures; the session is not created.
var ErrRoomNotFound = errors.New("room not found")
var ErrJoinRejected = errors.New("join rejected")

// Command preconditions.
var ErrSessionClosed = errors.New("session closed")
var ErrAlreadyJoined = errors.New("already joined a different room")
var ErrNoRematchPending = errors.New("no rematch to respond to")
var ErrGameNotOver = errors.New("game is not over yet")
var ErrEmptyChatMessage = errors.New("chat message is empty")
var ErrChatMessageTooLong = errors.New("chat message too long")
