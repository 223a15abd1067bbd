package engine

import (
	"errors"
	"time"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

var ErrWrongTurn = errors.New("not your turn")
var ErrCellOccupied = errors.New("cell occupied")
var ErrCellOutOfRange = errors.New("cell out of range")
var ErrGameOver = errors.New("game already over")
var ErrNoOpponent = errors.New("waiting for opponent")
var ErrNotSeated = errors.New("not a participant")

// winningLines are the 8 three-in-a-row index combinations.
var winningLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

// Game is the authoritative state of one tic-tac-toe match. It is a value
// type: Apply returns a new Game and never mutates its receiver, so callers
// can hold onto old states safely.
type Game struct {
	Board       [9]protocol.Mark
	Turn        protocol.Mark
	PlayerX     string
	PlayerO     string
	Result      protocol.Result
	WinningLine []int
	CreatedAt   time.Time
}

// NewGame seats playerX as the host. X always opens.
func NewGame(playerX string) Game {
	return Game{
		Turn:      protocol.MarkX,
		PlayerX:   playerX,
		CreatedAt: time.Now(),
	}
}

// Rematch produces a fresh board between the same two seats. X opens again.
func Rematch(g Game) Game {
	ng := NewGame(g.PlayerX)
	ng.PlayerO = g.PlayerO
	return ng
}

// MarkOf returns the mark held by identity, or "" for spectators.
func (g Game) MarkOf(identity string) protocol.Mark {
	switch identity {
	case "":
		return ""
	case g.PlayerX:
		return protocol.MarkX
	case g.PlayerO:
		return protocol.MarkO
	}
	return ""
}

// Over reports whether the game has concluded.
func (g Game) Over() bool {
	return g.Result != protocol.ResultNone
}

// Apply validates and executes a move by the given identity. Validation
// order matches what clients pre-check locally, so both sides reject for
// the same reason on the same state.
func Apply(g Game, identity string, cell int) (Game, error) {
	if g.Over() {
		return g, ErrGameOver
	}
	if cell < 0 || cell > 8 {
		return g, ErrCellOutOfRange
	}
	if g.Board[cell] != "" {
		return g, ErrCellOccupied
	}
	mark := g.MarkOf(identity)
	if mark == "" {
		return g, ErrNotSeated
	}
	if mark != g.Turn {
		return g, ErrWrongTurn
	}
	if g.PlayerO == "" {
		return g, ErrNoOpponent
	}

	g.Board[cell] = mark
	if line, ok := winner(g.Board); ok {
		g.Result = protocol.Result(g.Board[line[0]])
		g.WinningLine = line[:]
		return g, nil
	}
	if full(g.Board) {
		g.Result = protocol.ResultDraw
		return g, nil
	}
	g.Turn = other(mark)
	return g, nil
}

func other(m protocol.Mark) protocol.Mark {
	if m == protocol.MarkX {
		return protocol.MarkO
	}
	return protocol.MarkX
}

func winner(board [9]protocol.Mark) ([3]int, bool) {
	for _, line := range winningLines {
		if board[line[0]] != "" &&
			board[line[0]] == board[line[1]] &&
			board[line[1]] == board[line[2]] {
			return line, true
		}
	}
	return [3]int{}, false
}

func full(board [9]protocol.Mark) bool {
	for _, cell := range board {
		if cell == "" {
			return false
		}
	}
	return true
}

// Status classifies the game for the lobby listing.
func (g Game) Status() protocol.RoomStatus {
	switch {
	case g.Over():
		return protocol.StatusCompleted
	case g.PlayerO != "":
		return protocol.StatusInProgress
	default:
		return protocol.StatusWaiting
	}
}

// Snapshot renders the game as the wire-format state pushed to clients.
// Connectivity flags are owned by the room, not the rules, and are filled
// in by the caller.
func (g Game) Snapshot(roomID string) protocol.Snapshot {
	var board [9]string
	for i, m := range g.Board {
		board[i] = string(m)
	}
	return protocol.Snapshot{
		RoomID:      roomID,
		PlayerX:     g.PlayerX,
		PlayerO:     g.PlayerO,
		Board:       board,
		Turn:        g.Turn,
		Result:      g.Result,
		WinningLine: g.WinningLine,
	}
}
