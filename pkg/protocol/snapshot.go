package protocol

// Mark is one of the two symbols assigned to the seated players.
type Mark string

const (
	MarkX Mark = "X"
	MarkO Mark = "O"
)

// Result is the terminal outcome of a game. Empty means still in progress.
type Result string

const (
	ResultNone Result = ""
	ResultX    Result = "X"
	ResultO    Result = "O"
	ResultDraw Result = "draw"
)

// Snapshot is the authoritative, complete game state. The server always
// sends the whole thing; clients replace their copy wholesale and never
// patch individual fields.
type Snapshot struct {
	RoomID           string    `json:"room_id"`
	PlayerX          string    `json:"player_x"`
	PlayerO          string    `json:"player_o,omitempty"`
	Board            [9]string `json:"board"`
	Turn             Mark      `json:"turn"`
	Result           Result    `json:"result,omitempty"`
	WinningLine      []int     `json:"winning_line,omitempty"`
	PlayerXConnected bool      `json:"player_x_connected"`
	PlayerOConnected bool      `json:"player_o_connected"`
}

// MarkOf returns the mark seated by the given identity, or "" if the
// identity is not a participant.
func (s *Snapshot) MarkOf(identity string) Mark {
	switch identity {
	case "":
		return ""
	case s.PlayerX:
		return MarkX
	case s.PlayerO:
		return MarkO
	}
	return ""
}

// RoomStatus describes a room for the lobby listing.
type RoomStatus string

const (
	StatusWaiting    RoomStatus = "waiting"
	StatusInProgress RoomStatus = "in_progress"
	StatusCompleted  RoomStatus = "completed"
)

// RoomSummary is one row of the lobby listing returned by GET /rooms.
type RoomSummary struct {
	Code        string     `json:"code"`
	Host        string     `json:"host"`
	Guest       string     `json:"guest,omitempty"`
	Status      RoomStatus `json:"status"`
	PlayerCount int        `json:"player_count"`
	CreatedAt   int64      `json:"created_at"`
}
