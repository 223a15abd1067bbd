package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
)

// RESTFetcher reads room snapshots over plain HTTP, for page-load style
// out-of-band fetches and the reconnect polling fallback.
type RESTFetcher struct {
	baseURL string
	client  *http.Client
}

func NewRESTFetcher(baseURL string, client *http.Client) *RESTFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (f *RESTFetcher) FetchSnapshot(ctx context.Context, roomID string) (*protocol.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/rooms/"+roomID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRoomGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	var snap protocol.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return &snap, nil
}
