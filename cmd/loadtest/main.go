package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type options struct {
	baseURL  string
	pairs    int
	messages int
	interval time.Duration
}

type loginResponse struct {
	Token string `json:"access_token"`
	ID    int64  `json:"id"`
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	failed   atomic.Int64
}

func main() {
	var opts options
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive pairs of chat users against a running chatd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, log)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "chatd base URL")
	cmd.Flags().IntVar(&opts.pairs, "pairs", 50, "number of user pairs")
	cmd.Flags().IntVar(&opts.messages, "messages", 20, "messages sent per user")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Millisecond, "pause between messages")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opts options, log *slog.Logger) error {
	log.Info("Starting load test", "users", opts.pairs*2, "messages_per_user", opts.messages)
	start := time.Now()

	var (
		wg sync.WaitGroup
		st stats
	)
	// User 2n talks to user 2n+1 in their own direct conversation.
	for i := 0; i < opts.pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(opts, pairID, &st); err != nil {
				st.failed.Add(1)
				log.Warn("Pair failed", "pair", pairID, "error", err)
			}
		}(i)
	}
	wg.Wait()

	// Every message is echoed to both members of its room.
	expected := int64(opts.pairs * opts.messages * 2 * 2)
	log.Info("Load test complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"expected", expected,
		"failed_pairs", st.failed.Load())
	if st.failed.Load() > 0 {
		return fmt.Errorf("%d pairs failed", st.failed.Load())
	}
	return nil
}

func runPair(opts options, pairID int, st *stats) error {
	pass := "password123"
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	a, err := authenticate(opts.baseURL, userA, pass)
	if err != nil {
		return err
	}
	b, err := authenticate(opts.baseURL, userB, pass)
	if err != nil {
		return err
	}

	roomID, err := createConversation(opts.baseURL, a.Token, b.ID)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, login := range []loginResponse{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = chat(opts, login.Token, roomID, st)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// authenticate registers (an existing account is fine) and logs in.
func authenticate(baseURL, username, password string) (loginResponse, error) {
	creds := map[string]string{"username": username, "password": password}
	if resp, err := postJSON(baseURL+"/register", "", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON(baseURL+"/login", "", creds)
	if err != nil {
		return loginResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return loginResponse{}, fmt.Errorf("login %s: %s", username, resp.Status)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return loginResponse{}, err
	}
	return out, nil
}

func createConversation(baseURL, token string, peerID int64) (int64, error) {
	resp, err := postJSON(baseURL+"/api/conversations", token, map[string]any{
		"memberIds": []int64{peerID},
		"kind":      "direct",
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("create conversation: %s", resp.Status)
	}

	var conv struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// chat sends opts.messages messages to roomID and counts newMessage events
// until the sends are done and the socket goes quiet.
func chat(opts options, token string, roomID int64, st *stats) error {
	wsURL := strings.Replace(opts.baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, line := range bytes.Split(frame, []byte{'\n'}) {
				var env envelope
				if json.Unmarshal(line, &env) == nil && env.Event == "newMessage" {
					st.received.Add(1)
				}
			}
		}
	}()

	for i := 0; i < opts.messages; i++ {
		frame, _ := json.Marshal(map[string]any{
			"event": "sendMessage",
			"data":  map[string]any{"roomId": roomID, "content": fmt.Sprintf("load test message %d", i)},
		})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		st.sent.Add(1)
		time.Sleep(opts.interval)
	}

	<-done
	return nil
}

func postJSON(endpoint, token string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
