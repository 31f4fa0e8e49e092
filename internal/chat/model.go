package chat

import (
	"time"

	"github.com/samber/lo"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageEmoji MessageType = "emoji"
)

type ConversationKind string

const (
	KindDirect    ConversationKind = "direct"
	KindGroup     ConversationKind = "group"
	KindClassroom ConversationKind = "classroom"
)

// Identity is an authenticated user as resolved from the store.
type Identity struct {
	ID        int64
	Username  string
	AvatarURL string
	Online    bool
	LastSeen  time.Time
}

// Profile is the public part of an Identity attached to outbound events.
type Profile struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (i Identity) Profile() Profile {
	return Profile{ID: i.ID, Username: i.Username, AvatarURL: i.AvatarURL}
}

type Conversation struct {
	ID            int64            `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name,omitempty"`
	Members       []int64          `json:"members"`
	LastMessageID *int64           `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

func (c Conversation) IsGroup() bool {
	return c.Kind != KindDirect
}

func (c Conversation) HasMember(userID int64) bool {
	return lo.Contains(c.Members, userID)
}

type Message struct {
	ID        int64       `json:"id"`
	RoomID    int64       `json:"roomId"`
	Author    Profile     `json:"author"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	MediaURL  string      `json:"mediaUrl,omitempty"`
	SeenBy    []int64     `json:"seenBy"`
	CreatedAt time.Time   `json:"createdAt"`
}

// NewMessage is what the fanout pipeline asks the store to persist.
type NewMessage struct {
	RoomID   int64
	AuthorID int64
	Content  string
	Type     MessageType
	MediaURL string
}

type MembershipAction string

const (
	MembershipJoin  MembershipAction = "join"
	MembershipLeave MembershipAction = "leave"
)

// MembershipEvent announces a membership change made outside a live session.
type MembershipEvent struct {
	RoomID int64            `json:"roomId"`
	UserID int64            `json:"userId"`
	Action MembershipAction `json:"action"`
}
