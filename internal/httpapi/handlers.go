package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmfrank/tictactoe-backend/internal/hub"
	"github.com/jmfrank/tictactoe-backend/internal/room"
	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createRoomRequest struct {
	Host string `json:"host"`
}

func CreateRoom(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
			http.Error(w, "host is required", http.StatusBadRequest)
			return
		}

		var code string
		for {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			reply := make(chan *room.Room, 1)
			h.Inbox() <- hub.GetRoom{Code: c, Reply: reply}
			if <-reply == nil {
				code = c
				break
			}
			log.Debug("room code collision, regenerating", zap.String("code", c))
		}

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.EnsureRoom{Code: code, Host: req.Host, Reply: reply}
		if <-reply == nil {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: code})
	}
}

func ListRooms(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []*room.Room, 1)
		h.Inbox() <- hub.ListRooms{Reply: reply}
		rooms := <-reply

		summaries := make([]protocol.RoomSummary, 0, len(rooms))
		for _, rm := range rooms {
			// The room can be reaped between the hub listing it and the
			// view round trip; a dead room just drops out of the listing.
			vReply := make(chan room.View, 1)
			select {
			case rm.Inbox() <- room.GetView{Reply: vReply}:
			case <-rm.Done():
				continue
			}
			var v room.View
			select {
			case v = <-vReply:
			case <-rm.Done():
				continue
			}

			count := 1
			if v.Snapshot.PlayerO != "" {
				count = 2
			}
			summaries = append(summaries, protocol.RoomSummary{
				Code:        v.Snapshot.RoomID,
				Host:        v.Snapshot.PlayerX,
				Guest:       v.Snapshot.PlayerO,
				Status:      v.Status,
				PlayerCount: count,
				CreatedAt:   v.CreatedAt.UnixMilli(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summaries)
	}
}

// GetRoom serves the snapshot clients fall back to when the push channel is
// down. A 404 tells them the room is gone for good.
func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		vReply := make(chan room.View, 1)
		select {
		case rm.Inbox() <- room.GetView{Reply: vReply}:
		case <-rm.Done():
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		var v room.View
		select {
		case v = <-vReply:
		case <-rm.Done():
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v.Snapshot)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
