package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"
)

// Repository is the Postgres implementation of Store and ConversationStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// isForeignKeyViolation reports whether err references a row that does not exist.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (r *Repository) GetIdentity(ctx context.Context, userID int64) (Identity, error) {
	var id Identity
	query := "SELECT id, username, avatar_url, is_online, last_seen FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, userID).Scan(&id.ID, &id.Username, &id.AvatarURL, &id.Online, &id.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotFound
	}
	return id, err
}

func (r *Repository) RoomsFor(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT conversation_id FROM participants WHERE user_id = $1 ORDER BY conversation_id", userID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *Repository) GetConversation(ctx context.Context, roomID int64) (Conversation, error) {
	var (
		conv   Conversation
		lastID sql.NullInt64
	)
	query := "SELECT id, kind, name, last_message_id, created_at FROM conversations WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, roomID).Scan(&conv.ID, &conv.Kind, &conv.Name, &lastID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if lastID.Valid {
		conv.LastMessageID = &lastID.Int64
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY user_id", roomID)
	if err != nil {
		return Conversation{}, err
	}
	if conv.Members, err = scanIDs(rows); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (r *Repository) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	var ok bool
	query := "SELECT EXISTS (SELECT 1 FROM participants WHERE user_id = $1 AND conversation_id = $2)"
	err := r.db.QueryRowContext(ctx, query, userID, roomID).Scan(&ok)
	return ok, err
}

func (r *Repository) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	out := Message{
		RoomID:   msg.RoomID,
		Author:   Profile{ID: msg.AuthorID},
		Content:  msg.Content,
		Type:     msg.Type,
		MediaURL: msg.MediaURL,
		SeenBy:   []int64{msg.AuthorID},
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, type, media_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		msg.RoomID, msg.AuthorID, msg.Content, msg.Type, msg.MediaURL,
	).Scan(&out.ID, &out.CreatedAt)
	if isForeignKeyViolation(err) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO message_seen (message_id, user_id) VALUES ($1, $2)", out.ID, msg.AuthorID); err != nil {
		return Message{}, fmt.Errorf("insert seen: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_id = $1 WHERE id = $2", out.ID, msg.RoomID); err != nil {
		return Message{}, fmt.Errorf("update last message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (r *Repository) MarkSeen(ctx context.Context, roomID, messageID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_seen (message_id, user_id)
		SELECT id, $3 FROM messages WHERE id = $1 AND conversation_id = $2
		ON CONFLICT DO NOTHING`,
		messageID, roomID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Nothing inserted: either already seen or the message is not in the room.
	var exists bool
	err = r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)",
		messageID, roomID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetOnline(ctx context.Context, userID int64, online bool, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1", userID, online, at)
	return err
}

func (r *Repository) CreateConversation(ctx context.Context, kind ConversationKind, name string, members []int64) (Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	conv := Conversation{Kind: kind, Name: name, Members: members}
	err = tx.QueryRowContext(ctx,
		"INSERT INTO conversations (kind, name) VALUES ($1, $2) RETURNING id, created_at",
		kind, name).Scan(&conv.ID, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	for _, userID := range members {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)", conv.ID, userID)
		if isForeignKeyViolation(err) {
			return Conversation{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
		}
		if err != nil {
			return Conversation{}, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// FindDirect returns the direct conversation between a and b, or ErrNotFound.
func (r *Repository) FindDirect(ctx context.Context, a, b int64) (Conversation, error) {
	var roomID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE c.kind = $1
		GROUP BY c.id
		HAVING COUNT(*) = 2
		   AND BOOL_OR(p.user_id = $2)
		   AND BOOL_OR(p.user_id = $3)
		ORDER BY c.id
		LIMIT 1`, KindDirect, a, b).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return r.GetConversation(ctx, roomID)
}

// AddMember reports whether userID was not already a member.
func (r *Repository) AddMember(ctx context.Context, roomID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		roomID, userID)
	if isForeignKeyViolation(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveMember reports whether userID was a member.
func (r *Repository) RemoveMember(ctx context.Context, roomID, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM participants WHERE conversation_id = $1 AND user_id = $2", roomID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *Repository) ListMessages(ctx context.Context, roomID, before int64, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, u.avatar_url,
		       m.content, m.type, m.media_url, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1 AND ($2 = 0 OR m.id < $2)
		ORDER BY m.id DESC
		LIMIT $3`,
		roomID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Author.ID, &m.Author.Username, &m.Author.AvatarURL,
			&m.Content, &m.Type, &m.MediaURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SeenBy = []int64{}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return []Message{}, nil
	}

	seen, err := r.seenBy(ctx, lo.Map(messages, func(m Message, _ int) int64 { return m.ID }))
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if ids, ok := seen[messages[i].ID]; ok {
			messages[i].SeenBy = ids
		}
	}
	slices.Reverse(messages)
	return messages, nil
}

func (r *Repository) seenBy(ctx context.Context, messageIDs []int64) (map[int64][]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT message_id, user_id FROM message_seen WHERE message_id = ANY($1) ORDER BY seen_at, user_id",
		messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[int64][]int64)
	for rows.Next() {
		var messageID, userID int64
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, err
		}
		seen[messageID] = append(seen[messageID], userID)
	}
	return seen, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
