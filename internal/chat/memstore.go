package chat

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"realtime-chat/internal/user"
)

type memUser struct {
	user.User
	online   bool
	lastSeen time.Time
}

type memMessage struct {
	Message
	authorID int64
}

// MemoryStore keeps users, conversations and messages in process memory. It
// satisfies Store, ConversationStore and user.Store, so the whole server can
// run without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[int64]*memUser
	byName   map[string]int64
	convs    map[int64]*Conversation
	messages map[int64]*memMessage
	history  map[int64][]int64 // room id -> message ids in commit order

	nextUser, nextConv, nextMessage int64
	now                             func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*memUser),
		byName:   make(map[string]int64),
		convs:    make(map[int64]*Conversation),
		messages: make(map[int64]*memMessage),
		history:  make(map[int64][]int64),
		now:      time.Now,
	}
}

// ---------------------------------------------
// user.Store
// ---------------------------------------------

func (m *MemoryStore) CreateUser(_ context.Context, u *user.User) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byName[u.Username]; taken {
		return nil, user.ErrAlreadyExists
	}
	m.nextUser++
	u.ID = m.nextUser
	m.users[u.ID] = &memUser{User: *u, lastSeen: m.now()}
	m.byName[u.Username] = u.ID
	return u, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[username]
	if !ok {
		return nil, user.ErrNotFound
	}
	u := m.users[id].User
	return &u, nil
}

func (m *MemoryStore) SearchUsers(_ context.Context, query string) ([]user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	query = strings.ToLower(query)
	found := lo.FilterMap(lo.Values(m.users), func(u *memUser, _ int) (user.User, bool) {
		return user.User{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL},
			strings.Contains(strings.ToLower(u.Username), query)
	})
	slices.SortFunc(found, func(a, b user.User) int { return cmp.Compare(a.ID, b.ID) })
	if len(found) > 10 {
		found = found[:10]
	}
	return found, nil
}

// ---------------------------------------------
// Store
// ---------------------------------------------

func (m *MemoryStore) GetIdentity(_ context.Context, userID int64) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return Identity{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL, Online: u.online, LastSeen: u.lastSeen}, nil
}

func (m *MemoryStore) RoomsFor(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := []int64{}
	for id, conv := range m.convs {
		if conv.HasMember(userID) {
			rooms = append(rooms, id)
		}
	}
	slices.Sort(rooms)
	return rooms, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, roomID int64) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.convs[roomID]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) IsMember(_ context.Context, userID, roomID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.convs[roomID]
	return ok && conv.HasMember(userID), nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg NewMessage) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[msg.RoomID]
	if !ok {
		return Message{}, fmt.Errorf("%w: room %d", ErrNotFound, msg.RoomID)
	}
	if _, ok := m.users[msg.AuthorID]; !ok {
		return Message{}, fmt.Errorf("%w: user %d", ErrNotFound, msg.AuthorID)
	}

	m.nextMessage++
	stored := &memMessage{
		Message: Message{
			ID:        m.nextMessage,
			RoomID:    msg.RoomID,
			Content:   msg.Content,
			Type:      msg.Type,
			MediaURL:  msg.MediaURL,
			SeenBy:    []int64{msg.AuthorID},
			CreatedAt: m.now(),
		},
		authorID: msg.AuthorID,
	}
	m.messages[stored.ID] = stored
	m.history[msg.RoomID] = append(m.history[msg.RoomID], stored.ID)
	id := stored.ID
	conv.LastMessageID = &id

	return m.resolve(stored), nil
}

func (m *MemoryStore) MarkSeen(_ context.Context, roomID, messageID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok || msg.RoomID != roomID {
		return fmt.Errorf("%w: message %d in room %d", ErrNotFound, messageID, roomID)
	}
	if !lo.Contains(msg.SeenBy, userID) {
		msg.SeenBy = append(msg.SeenBy, userID)
	}
	return nil
}

func (m *MemoryStore) SetOnline(_ context.Context, userID int64, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.online = online
	u.lastSeen = at
	return nil
}

// ---------------------------------------------
// ConversationStore
// ---------------------------------------------

func (m *MemoryStore) CreateConversation(_ context.Context, kind ConversationKind, name string, members []int64) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range members {
		if _, ok := m.users[id]; !ok {
			return Conversation{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
	}

	m.nextConv++
	conv := &Conversation{
		ID:        m.nextConv,
		Kind:      kind,
		Name:      name,
		Members:   slices.Clone(members),
		CreatedAt: m.now(),
	}
	m.convs[conv.ID] = conv
	return cloneConversation(conv), nil
}

func (m *MemoryStore) FindDirect(_ context.Context, a, b int64) (Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, conv := range m.convs {
		if conv.Kind != KindDirect || len(conv.Members) != 2 || !conv.HasMember(a) || !conv.HasMember(b) {
			continue
		}
		if found == nil || conv.ID < found.ID {
			found = conv
		}
	}
	if found == nil {
		return Conversation{}, ErrNotFound
	}
	return cloneConversation(found), nil
}

func (m *MemoryStore) AddMember(_ context.Context, roomID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[roomID]
	if !ok {
		return false, ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return false, ErrNotFound
	}
	if conv.HasMember(userID) {
		return false, nil
	}
	conv.Members = append(conv.Members, userID)
	return true, nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, roomID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.convs[roomID]
	if !ok || !conv.HasMember(userID) {
		return false, nil
	}
	conv.Members = lo.Without(conv.Members, userID)
	return true, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, roomID, before int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.history[roomID]
	if before > 0 {
		ids = lo.Filter(ids, func(id int64, _ int) bool { return id < before })
	}
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return lo.Map(ids, func(id int64, _ int) Message {
		return m.resolve(m.messages[id])
	}), nil
}

// resolve copies a stored message with its author profile attached. The
// caller holds m.mu.
func (m *MemoryStore) resolve(stored *memMessage) Message {
	out := stored.Message
	out.SeenBy = slices.Clone(stored.SeenBy)
	if u, ok := m.users[stored.authorID]; ok {
		out.Author = Profile{ID: u.ID, Username: u.Username, AvatarURL: u.AvatarURL}
	} else {
		out.Author = Profile{ID: stored.authorID}
	}
	return out
}

func cloneConversation(conv *Conversation) Conversation {
	out := *conv
	out.Members = slices.Clone(conv.Members)
	if conv.LastMessageID != nil {
		id := *conv.LastMessageID
		out.LastMessageID = &id
	}
	return out
}
