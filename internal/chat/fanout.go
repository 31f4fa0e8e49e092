package chat

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SendMessage validates, persists and broadcasts one message. The room lock
// is held from the membership check until the broadcast is queued, so every
// subscriber sees a room's messages in commit order.
func (s *Service) SendMessage(ctx context.Context, c *Client, p SendMessagePayload) (err error) {
	ctx, span := s.tracer.Start(ctx, "chat.SendMessage", trace.WithAttributes(
		attribute.Int64("room.id", p.RoomID),
		attribute.Int64("user.id", c.Identity.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if utf8.RuneCountInString(p.Content) > s.opts.MaxContentLength {
		return fmt.Errorf("%w: content longer than %d characters", ErrInvalidPayload, s.opts.MaxContentLength)
	}
	if p.Type == "" {
		p.Type = MessageText
	}

	unlock := s.locks.Lock(p.RoomID)
	defer unlock()

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	member, err := s.store.IsMember(sctx, c.Identity.ID, p.RoomID)
	if err != nil {
		return storeErr(err)
	}
	if !member {
		return fmt.Errorf("%w: not a member of room %d", ErrUnauthorized, p.RoomID)
	}

	msg, err := s.store.CreateMessage(sctx, NewMessage{
		RoomID:   p.RoomID,
		AuthorID: c.Identity.ID,
		Content:  p.Content,
		Type:     p.Type,
		MediaURL: p.MediaURL,
	})
	if err != nil {
		return storeErr(err)
	}
	msg.Author = c.Identity.Profile()
	span.SetAttributes(attribute.Int64("message.id", msg.ID))

	// A member may not have been subscribed yet if they were added while
	// connected and the change never reached this instance.
	s.hub.Subscribe(c, p.RoomID)
	s.hub.Broadcast(p.RoomID, encode(EventNewMessage, msg), nil)
	s.metrics.messagesSent.Inc()
	s.log.Debug("Message sent", "room_id", p.RoomID, "user_id", c.Identity.ID, "message_id", msg.ID)
	return nil
}
