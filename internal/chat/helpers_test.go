package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/presence"
	"realtime-chat/internal/user"
)

const eventTimeout = time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type harness struct {
	hub      *Hub
	registry *presence.Registry
	metrics  *Metrics
	service  *Service

	// stop cancels the hub's context.
	stop context.CancelFunc
}

// newHarness wires a running hub and a service over store. status may be nil.
func newHarness(t *testing.T, store Store, status presence.StatusStore, opts Options) *harness {
	t.Helper()
	log := discardLogger()

	registry := presence.NewRegistry(status, log)
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(registry, metrics, log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	return &harness{
		hub:      hub,
		registry: registry,
		metrics:  metrics,
		service:  NewService(store, hub, registry, metrics, log, opts),
		stop:     cancel,
	}
}

func newMemoryHarness(t *testing.T) (*harness, *MemoryStore) {
	store := NewMemoryStore()
	return newHarness(t, store, store, Options{}), store
}

func newTestClient(identity Identity) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		send:     make(chan []byte, 64),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

// connect runs the connect lifecycle for identity and discards the events it produced.
func (h *harness) connect(t *testing.T, identity Identity) *Client {
	t.Helper()
	c := newTestClient(identity)
	h.service.Connect(context.Background(), c)
	h.sync()
	drain(c)
	return c
}

func (h *harness) dispatch(t *testing.T, c *Client, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	require.NoError(t, h.service.Dispatch(context.Background(), c, raw))
	h.sync()
}

// sync returns once the hub has processed everything queued before it.
func (h *harness) sync() {
	h.hub.ClientCount()
}

func seedUser(t *testing.T, store *MemoryStore, username string) Identity {
	t.Helper()
	ctx := context.Background()
	u, err := store.CreateUser(ctx, &user.User{Username: username, Password: "x"})
	require.NoError(t, err)
	identity, err := store.GetIdentity(ctx, u.ID)
	require.NoError(t, err)
	return identity
}

func seedRoom(t *testing.T, store *MemoryStore, kind ConversationKind, members ...int64) int64 {
	t.Helper()
	conv, err := store.CreateConversation(context.Background(), kind, "", members)
	require.NoError(t, err)
	return conv.ID
}

// nextEvent returns the next envelope queued for c.
func nextEvent(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(eventTimeout):
		t.Fatalf("no event for client %d", c.Identity.ID)
		return Envelope{}
	}
}

// expectEvent skips envelopes until one named event arrives.
func expectEvent(t *testing.T, c *Client, event string) Envelope {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case raw, ok := <-c.send:
			require.True(t, ok, "send channel closed while waiting for %s", event)
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("client %d never received %s", c.Identity.ID, event)
			return Envelope{}
		}
	}
}

// pending returns what is already queued for c without waiting.
func pending(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func pendingEvents(t *testing.T, c *Client) []string {
	t.Helper()
	var names []string
	for _, env := range pending(t, c) {
		names = append(names, env.Event)
	}
	return names
}

func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
