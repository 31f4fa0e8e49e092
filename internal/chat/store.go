//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mock_store_test.go -package=chat
package chat

import (
	"context"
	"time"
)

// Store is the persistence the realtime engine depends on. Membership is
// authoritative here and is read fresh whenever authorization matters.
type Store interface {
	// GetIdentity returns ErrNotFound for an unknown user.
	GetIdentity(ctx context.Context, userID int64) (Identity, error)
	RoomsFor(ctx context.Context, userID int64) ([]int64, error)
	// GetConversation returns ErrNotFound for an unknown room.
	GetConversation(ctx context.Context, roomID int64) (Conversation, error)
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
	// CreateMessage persists msg with the author as the only seen-by entry and
	// advances the room's last-message pointer in the same transaction.
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	// MarkSeen adds userID to the seen-by set of a message in roomID. Adding an
	// id twice is a no-op. It returns ErrNotFound if the message is not in the room.
	MarkSeen(ctx context.Context, roomID, messageID, userID int64) error
	SetOnline(ctx context.Context, userID int64, online bool, at time.Time) error
}
