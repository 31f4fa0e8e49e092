package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const membershipChannel = "chat:membership"

// MembershipNotifier propagates a membership change to the live sessions of
// every engine instance. *Hub applies it to the local process only.
type MembershipNotifier interface {
	MembershipChanged(ctx context.Context, evt MembershipEvent) error
}

func (s *Service) subscribeAll(ctx context.Context, c *Client) error {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	roomIDs, err := s.store.RoomsFor(sctx, c.Identity.ID)
	if err != nil {
		return storeErr(err)
	}
	added := s.hub.Subscribe(c, roomIDs...)
	s.log.Debug("Rooms subscribed", "user_id", c.Identity.ID, "conn_id", c.ID, "rooms", added)
	return nil
}

// JoinRoom subscribes c to roomID after checking membership against the store.
func (s *Service) JoinRoom(ctx context.Context, c *Client, roomID int64) error {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(sctx, roomID)
	if err != nil {
		return storeErr(err)
	}
	if !conv.HasMember(c.Identity.ID) {
		return fmt.Errorf("%w: not a member of room %d", ErrUnauthorized, roomID)
	}

	s.hub.Subscribe(c, roomID)
	s.hub.Send(c, encode(EventRoomJoined, RoomEvent{RoomID: roomID}))
	return nil
}

// RedisMembership fans membership events out to every instance over Redis
// Pub/Sub. Each instance runs Listen and applies what it receives to its hub.
type RedisMembership struct {
	redis *redis.Client
	hub   *Hub
	log   *slog.Logger
}

func NewRedisMembership(rdb *redis.Client, hub *Hub, log *slog.Logger) *RedisMembership {
	return &RedisMembership{redis: rdb, hub: hub, log: log}
}

func (m *RedisMembership) MembershipChanged(ctx context.Context, evt MembershipEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := m.redis.Publish(ctx, membershipChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish membership event: %w", err)
	}
	return nil
}

// Listen applies membership events until ctx is cancelled.
func (m *RedisMembership) Listen(ctx context.Context) error {
	pubsub := m.redis.Subscribe(ctx, membershipChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", membershipChannel, err)
	}
	m.log.Info("Listening for membership events", "channel", membershipChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt MembershipEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				m.log.Warn("Dropping malformed membership event", "payload", msg.Payload, "error", err)
				continue
			}
			m.hub.ApplyMembership(evt)
		}
	}
}
