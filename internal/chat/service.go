package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"realtime-chat/internal/presence"
)

type Options struct {
	StoreTimeout     time.Duration
	MaxGroupPeers    int
	MaxContentLength int
}

func (o Options) withDefaults() Options {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.MaxGroupPeers <= 0 {
		o.MaxGroupPeers = 6
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = 4000
	}
	return o
}

// Service ties the presence registry, room membership, message fanout and
// signal relay to the events of a connection.
type Service struct {
	store    Store
	hub      *Hub
	presence *presence.Registry
	validate *validator.Validate
	locks    roomLocks
	metrics  *Metrics
	tracer   trace.Tracer
	log      *slog.Logger
	opts     Options
}

func NewService(store Store, hub *Hub, registry *presence.Registry, metrics *Metrics, log *slog.Logger, opts Options) *Service {
	return &Service{
		store:    store,
		hub:      hub,
		presence: registry,
		validate: validator.New(),
		metrics:  metrics,
		tracer:   otel.Tracer("realtime-chat/chat"),
		log:      log,
		opts:     opts.withDefaults(),
	}
}

// storeContext bounds a store call. It is detached from the connection so a
// client going away mid-operation does not abort a write already under way.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
}

// Dispatch handles one inbound frame. Failures become a private error event;
// only errLogout is returned to the caller.
func (s *Service) Dispatch(ctx context.Context, c *Client, raw []byte) (err error) {
	var env Envelope
	if jsonErr := json.Unmarshal(raw, &env); jsonErr != nil || env.Event == "" {
		s.fail(c, "", errMalformed, "Invalid message format")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Event handler panicked", "event", env.Event, "conn_id", c.ID, "panic", r)
			s.fail(c, env.Event, fmt.Errorf("panic: %v", r), "Internal error")
			err = nil
		}
	}()

	switch env.Event {
	case EventJoinRoom:
		var p RoomRef
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.JoinRoom(ctx, c, p.RoomID); err != nil {
			s.fail(c, env.Event, err, "Error joining conversation")
		}

	case EventSendMessage:
		var p SendMessagePayload
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.SendMessage(ctx, c, p); err != nil {
			s.fail(c, env.Event, err, "Failed to send message")
		}

	case EventTypingStart, EventTypingStop:
		var p RoomRef
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.Typing(c, p.RoomID, env.Event == EventTypingStart); err != nil {
			s.fail(c, env.Event, err, "")
		}

	case EventMarkSeen:
		var p MarkSeenPayload
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.MarkSeen(ctx, c, p); err != nil {
			s.fail(c, env.Event, err, "Failed to mark message as seen")
		}

	case EventCallUser, EventCallAnswer, EventCallReject, EventCallEnd, EventICECandidate:
		var p SignalPayload
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.Signal(ctx, c, env.Event, p); err != nil {
			s.fail(c, env.Event, err, "Call signaling failed")
		}

	case EventCallGroup:
		var p GroupCallPayload
		if err := s.decode(env.Data, &p); err != nil {
			s.fail(c, env.Event, err, "")
			return nil
		}
		if err := s.CallGroup(ctx, c, p); err != nil {
			s.fail(c, env.Event, err, "Group call failed")
		}

	case EventLogout:
		return errLogout

	default:
		s.fail(c, env.Event, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event), "")
	}
	return nil
}

func (s *Service) decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// fail emits a private error event to c. It is the only way an in-session
// failure reaches a client.
func (s *Service) fail(c *Client, event string, err error, fallback string) {
	if fallback == "" {
		fallback = "Request failed"
	}
	kind := errorKind(err)
	s.metrics.errors.WithLabelValues(kind).Inc()

	level := slog.LevelDebug
	if kind == "store" || kind == "internal" {
		level = slog.LevelError
	}
	s.log.Log(context.Background(), level, "Event failed",
		"event", event, "conn_id", c.ID, "user_id", c.Identity.ID, "kind", kind, "error", err)

	s.hub.Send(c, encode(EventError, ErrorEvent{Message: publicMessage(err, fallback)}))
}

// storeErr tags a store failure unless it already carries a known sentinel.
func storeErr(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}
