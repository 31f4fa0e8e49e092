package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound events.
const (
	EventJoinRoom    = "joinRoom"
	EventSendMessage = "sendMessage"
	EventTypingStart = "typingStart"
	EventTypingStop  = "typingStop"
	EventMarkSeen    = "markSeen"
	EventCallUser    = "callUser"
	EventCallAnswer  = "callAnswer"
	EventCallReject  = "callReject"
	EventCallEnd     = "callEnd"
	EventCallGroup   = "callGroup"
	EventLogout      = "logout"
)

// Outbound events. EventICECandidate travels in both directions.
const (
	EventOnlineUsers    = "onlineUsers"
	EventUserOnline     = "userOnline"
	EventUserOffline    = "userOffline"
	EventNewMessage     = "newMessage"
	EventUserTyping     = "userTyping"
	EventUserStopTyping = "userStopTyping"
	EventMessageSeen    = "messageSeen"
	EventIncomingCall   = "incomingCall"
	EventCallAnswered   = "callAnswered"
	EventCallRejected   = "callRejected"
	EventCallEnded      = "callEnded"
	EventICECandidate   = "iceCandidate"
	EventCallFailed     = "callFailed"
	EventRoomJoined     = "roomJoined"
	EventRoomLeft       = "roomLeft"
	EventError          = "error"
)

// signalEvents maps an inbound one-to-one signaling event to the event the target receives.
var signalEvents = map[string]string{
	EventCallUser:     EventIncomingCall,
	EventCallAnswer:   EventCallAnswered,
	EventCallReject:   EventCallRejected,
	EventCallEnd:      EventCallEnded,
	EventICECandidate: EventICECandidate,
}

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encode(event string, data any) []byte {
	b, err := json.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		b, _ = json.Marshal(outbound{Event: EventError, Data: ErrorEvent{Message: "internal error"}})
	}
	return b
}

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

// RoomRef accepts either a bare room id or {"roomId": id}.
type RoomRef struct {
	RoomID int64 `json:"roomId" validate:"required,gt=0"`
}

func (r *RoomRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		if err := json.Unmarshal(bytes.Trim(b, `"`), &r.RoomID); err != nil {
			return fmt.Errorf("room id: %w", err)
		}
		return nil
	}
	type plain RoomRef
	return json.Unmarshal(b, (*plain)(r))
}

type SendMessagePayload struct {
	RoomID   int64       `json:"roomId" validate:"required,gt=0"`
	Content  string      `json:"content" validate:"required_without=MediaURL"`
	Type     MessageType `json:"type" validate:"omitempty,oneof=text image file emoji"`
	MediaURL string      `json:"mediaUrl" validate:"omitempty,url"`
}

type MarkSeenPayload struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
	RoomID    int64 `json:"roomId" validate:"required,gt=0"`
}

type SignalPayload struct {
	TargetUserID int64           `json:"targetUserId" validate:"required,gt=0"`
	RoomID       int64           `json:"roomId,omitempty" validate:"gte=0"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// GroupCallPayload carries one offer per peer of a mesh call.
type GroupCallPayload struct {
	RoomID int64                     `json:"roomId" validate:"required,gt=0"`
	Offers map[int64]json.RawMessage `json:"offers" validate:"required,min=1,dive,keys,gt=0,endkeys,required"`
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type OnlineUser struct {
	UserID int64 `json:"userId"`
}

type PresenceEvent struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type TypingEvent struct {
	UserID      int64  `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	RoomID      int64  `json:"roomId"`
}

type SeenEvent struct {
	MessageID int64 `json:"messageId"`
	UserID    int64 `json:"userId"`
	RoomID    int64 `json:"roomId"`
}

type SignalEvent struct {
	From       int64           `json:"from"`
	FromName   string          `json:"fromUsername,omitempty"`
	FromAvatar string          `json:"fromAvatar,omitempty"`
	RoomID     int64           `json:"roomId,omitempty"`
	Group      bool            `json:"group,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type CallFailedEvent struct {
	TargetUserID int64  `json:"targetUserId"`
	Message      string `json:"message"`
}

type RoomEvent struct {
	RoomID int64 `json:"roomId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
