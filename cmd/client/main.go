package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmfrank/tictactoe-backend/pkg/protocol"
	"github.com/jmfrank/tictactoe-backend/pkg/session"
)

func main() {
	var serverURL, roomCode, name string

	cmd := &cobra.Command{
		Use:           "ttt-client",
		Short:         "Terminal client for the tic-tac-toe server.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return play(cmd.Context(), serverURL, roomCode, name)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL")
	fs.StringVarP(&roomCode, "room", "r", "", "room code to join (omit to create a new room)")
	fs.StringVarP(&name, "name", "n", "", "player name")

	cobra.CheckErr(cmd.Execute())
}

func play(ctx context.Context, serverURL, roomCode, name string) error {
	if roomCode == "" {
		code, err := createRoom(ctx, serverURL, name)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomCode = code
		fmt.Printf("created room %s\n", roomCode)
	}

	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/ws"
	transport, err := session.DialWS(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer transport.Close()

	ctrl := session.New(transport,
		session.WithFetcher(session.NewRESTFetcher(serverURL, nil)),
	)
	defer ctrl.Close()

	if err := ctrl.Join(ctx, roomCode, name); err != nil {
		return fmt.Errorf("join %s: %w", roomCode, err)
	}
	fmt.Printf("joined room %s as %s\n", roomCode, name)
	render(ctrl.State())

	go func() {
		for n := range ctrl.Notifications() {
			fmt.Printf("\n[%s] %s\n", n.Kind, n.Message)
			if n.Kind == session.NoticeRoomClosed {
				fmt.Println("room closed, press enter to exit")
				return
			}
			render(ctrl.State())
			prompt()
		}
	}()

	fmt.Println(`commands: move <0-8>, say <text>, rematch, accept, decline, board, quit`)
	scanner := bufio.NewScanner(os.Stdin)
	prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			prompt()
			continue
		}
		if ctrl.State().State == session.StateDisconnected {
			break
		}

		verb, rest, _ := strings.Cut(line, " ")
		var err error
		switch verb {
		case "move":
			var cell int
			cell, err = strconv.Atoi(strings.TrimSpace(rest))
			if err == nil {
				err = ctrl.SubmitMove(cell)
			}
		case "say":
			ctrl.SetTyping(false)
			err = ctrl.SendChat(rest)
		case "rematch":
			err = ctrl.RequestRematch()
		case "accept":
			err = ctrl.RespondRematch(true)
		case "decline":
			err = ctrl.RespondRematch(false)
		case "board":
			render(ctrl.State())
		case "quit":
			ctrl.Leave()
			return nil
		default:
			err = fmt.Errorf("unknown command %q", verb)
		}
		if err != nil {
			fmt.Println("!", err)
		}
		prompt()
	}
	ctrl.Leave()
	return scanner.Err()
}

func createRoom(ctx context.Context, serverURL, host string) (string, error) {
	body, _ := json.Marshal(map[string]string{"host": host})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Code, nil
}

func render(v session.View) {
	g := v.Game
	cell := func(i int) string {
		if g.Board[i] == "" {
			return strconv.Itoa(i)
		}
		return g.Board[i]
	}
	fmt.Printf("\n %s | %s | %s\n---+---+---\n %s | %s | %s\n---+---+---\n %s | %s | %s\n",
		cell(0), cell(1), cell(2), cell(3), cell(4), cell(5), cell(6), cell(7), cell(8))

	switch {
	case g.Result == protocol.ResultDraw:
		fmt.Println("game over: draw")
	case g.Result != protocol.ResultNone:
		fmt.Printf("game over: %s wins\n", g.Result)
	case g.PlayerO == "":
		fmt.Println("waiting for an opponent...")
	case g.Turn == v.Mark:
		fmt.Println("your turn")
	default:
		fmt.Printf("waiting for %s\n", g.Turn)
	}
	if len(v.Typing) > 0 {
		fmt.Printf("%s is typing...\n", strings.Join(v.Typing, ", "))
	}
}

func prompt() { fmt.Print("> ") }
