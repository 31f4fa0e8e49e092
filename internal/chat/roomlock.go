package chat

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// roomLocks serializes persist+broadcast per room so that broadcast order
// matches commit order. Rooms share a fixed set of stripes.
type roomLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *roomLocks) stripe(roomID int64) *sync.Mutex {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(roomID))
	return &l.stripes[xxhash.Sum64(key[:])%lockStripes]
}

// Lock locks the stripe of roomID and returns its unlock function.
func (l *roomLocks) Lock(roomID int64) func() {
	m := l.stripe(roomID)
	m.Lock()
	return m.Unlock
}
