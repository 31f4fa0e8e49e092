// Package presence tracks which identities currently hold a live connection.
//
// The registry keeps exactly one connection per user: a newer connection
// replaces the previous handle (last connected wins) and the superseded
// connection is left open. Online transitions are mirrored to a StatusStore
// on a best-effort basis; the in-memory map stays authoritative and each
// write carries the state the map holds when the write is issued.
package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Conn is a routable connection handle.
type Conn interface {
	ConnID() string
}

// StatusStore persists the online flag and last-seen timestamp of a user.
type StatusStore interface {
	SetOnline(ctx context.Context, userID int64, online bool, at time.Time) error
}

const writeStripes = 64

type Registry struct {
	mu    sync.RWMutex
	conns map[int64]Conn
	store StatusStore
	log   *slog.Logger
	now   func() time.Time

	// writes orders store writes per user stripe.
	writes [writeStripes]sync.Mutex
}

func NewRegistry(store StatusStore, log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[int64]Conn),
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// MarkOnline maps userID to conn, overwriting any previous handle, and returns
// the sorted ids of every online user.
func (r *Registry) MarkOnline(ctx context.Context, userID int64, conn Conn) []int64 {
	r.mu.Lock()
	prev, existed := r.conns[userID]
	r.conns[userID] = conn
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if existed && prev != conn {
		r.log.Info("Connection superseded", "user_id", userID, "old_conn_id", prev.ConnID(), "conn_id", conn.ConnID())
	}
	r.persist(ctx, userID)
	return snapshot
}

// MarkOffline removes userID if conn is still its current handle. A
// superseded connection closing does not take the user offline. It reports
// whether the user went offline.
func (r *Registry) MarkOffline(ctx context.Context, userID int64, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	r.mu.Unlock()

	r.persist(ctx, userID)
	return true
}

func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns the sorted ids of every online user.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) snapshotLocked() []int64 {
	ids := lo.Keys(r.conns)
	slices.Sort(ids)
	return ids
}

// persist writes the user's current state. Writes for one user never
// overlap, and each reads the map after taking the stripe, so the last write
// to land matches the map even when a reconnect races a disconnect.
func (r *Registry) persist(ctx context.Context, userID int64) {
	if r.store == nil {
		return
	}
	mu := &r.writes[uint64(userID)%writeStripes]
	mu.Lock()
	defer mu.Unlock()

	r.mu.RLock()
	_, online := r.conns[userID]
	r.mu.RUnlock()

	if err := r.store.SetOnline(ctx, userID, online, r.now()); err != nil {
		r.log.Warn("Failed to persist presence", "user_id", userID, "online", online, "error", err)
	}
}
