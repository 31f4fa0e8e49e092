package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomLocksStripeIsStable(t *testing.T) {
	var locks roomLocks
	require.Same(t, locks.stripe(42), locks.stripe(42))

	distinct := make(map[*sync.Mutex]struct{})
	for room := int64(1); room <= 1000; room++ {
		distinct[locks.stripe(room)] = struct{}{}
	}
	require.Greater(t, len(distinct), lockStripes/2, "rooms spread over the stripes")
}

func TestRoomLocksSerialize(t *testing.T) {
	var (
		locks   roomLocks
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(7)
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
