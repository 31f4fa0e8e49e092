package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Typing relays a typing indicator to the other subscribers of roomID.
func (s *Service) Typing(c *Client, roomID int64, start bool) error {
	if !s.hub.IsSubscribed(c, roomID) {
		return fmt.Errorf("%w: not subscribed to room %d", ErrUnauthorized, roomID)
	}

	event := EventUserStopTyping
	if start {
		event = EventUserTyping
	}
	s.hub.Broadcast(roomID, encode(event, TypingEvent{
		UserID:      c.Identity.ID,
		DisplayName: c.Identity.Username,
		RoomID:      roomID,
	}), c)
	s.metrics.signalsRelayed.WithLabelValues(event).Inc()
	return nil
}

// MarkSeen adds the user of c to the seen-by set of a message and tells the
// rest of the room.
func (s *Service) MarkSeen(ctx context.Context, c *Client, p MarkSeenPayload) error {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	member, err := s.store.IsMember(sctx, c.Identity.ID, p.RoomID)
	if err != nil {
		return storeErr(err)
	}
	if !member {
		return fmt.Errorf("%w: not a member of room %d", ErrUnauthorized, p.RoomID)
	}
	if err := s.store.MarkSeen(sctx, p.RoomID, p.MessageID, c.Identity.ID); err != nil {
		return storeErr(err)
	}

	s.hub.Broadcast(p.RoomID, encode(EventMessageSeen, SeenEvent{
		MessageID: p.MessageID,
		UserID:    c.Identity.ID,
		RoomID:    p.RoomID,
	}), c)
	s.metrics.signalsRelayed.WithLabelValues(EventMessageSeen).Inc()
	return nil
}

// Signal relays a one-to-one call signaling event to the current connection
// of the target user. An offline target gets nothing and the initiator gets
// callFailed; nothing is queued.
func (s *Service) Signal(ctx context.Context, c *Client, event string, p SignalPayload) error {
	out, ok := signalEvents[event]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if p.TargetUserID == c.Identity.ID {
		return fmt.Errorf("%w: cannot signal yourself", ErrInvalidPayload)
	}

	_, span := s.tracer.Start(ctx, "chat.Signal", trace.WithAttributes(
		attribute.String("event", event),
		attribute.Int64("user.id", c.Identity.ID),
		attribute.Int64("target.id", p.TargetUserID),
	))
	defer span.End()

	if !s.relayTo(c, p.TargetUserID, out, SignalEvent{
		From:       c.Identity.ID,
		FromName:   c.Identity.Username,
		FromAvatar: c.Identity.AvatarURL,
		RoomID:     p.RoomID,
		Payload:    p.Payload,
	}) {
		span.SetAttributes(attribute.Bool("target.offline", true))
	}
	return nil
}

// CallGroup starts a mesh call: one offer per peer, each relayed as
// incomingCall. The peer cap and room membership of every peer are checked
// before anything is relayed.
func (s *Service) CallGroup(ctx context.Context, c *Client, p GroupCallPayload) error {
	if len(p.Offers) > s.opts.MaxGroupPeers {
		return fmt.Errorf("%w: %d peers, at most %d allowed", ErrGroupCallTooLarge, len(p.Offers), s.opts.MaxGroupPeers)
	}
	if _, ok := p.Offers[c.Identity.ID]; ok {
		return fmt.Errorf("%w: cannot call yourself", ErrInvalidPayload)
	}

	ctx, span := s.tracer.Start(ctx, "chat.CallGroup", trace.WithAttributes(
		attribute.Int64("room.id", p.RoomID),
		attribute.Int("peers", len(p.Offers)),
	))
	defer span.End()

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	conv, err := s.store.GetConversation(sctx, p.RoomID)
	if err != nil {
		return storeErr(err)
	}
	if !conv.HasMember(c.Identity.ID) {
		return fmt.Errorf("%w: not a member of room %d", ErrUnauthorized, p.RoomID)
	}
	targets := lo.Keys(p.Offers)
	slices.Sort(targets)
	if outsiders := lo.Without(targets, conv.Members...); len(outsiders) > 0 {
		return fmt.Errorf("%w: users %v are not members of room %d", ErrUnauthorized, outsiders, p.RoomID)
	}

	for _, target := range targets {
		s.relayTo(c, target, EventIncomingCall, SignalEvent{
			From:       c.Identity.ID,
			FromName:   c.Identity.Username,
			FromAvatar: c.Identity.AvatarURL,
			RoomID:     p.RoomID,
			Group:      true,
			Payload:    p.Offers[target],
		})
	}
	return nil
}

// relayTo sends event to the current connection of target, or callFailed to c.
func (s *Service) relayTo(c *Client, target int64, event string, payload SignalEvent) bool {
	if s.hub.SendToUser(target, encode(event, payload)) {
		s.metrics.signalsRelayed.WithLabelValues(event).Inc()
		return true
	}

	s.metrics.errors.WithLabelValues(errorKind(ErrTargetOffline)).Inc()
	s.log.Debug("Signal target offline", "event", event, "user_id", c.Identity.ID, "target_id", target)
	s.hub.Send(c, encode(EventCallFailed, CallFailedEvent{
		TargetUserID: target,
		Message:      ErrTargetOffline.Error(),
	}))
	return false
}
