package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestHubAppliesMembershipInProcess(t *testing.T) {
	h, store := newMemoryHarness(t)
	alice := seedUser(t, store, "alice")
	a := h.connect(t, alice)

	var notifier MembershipNotifier = h.hub
	require.NoError(t, notifier.MembershipChanged(context.Background(), MembershipEvent{RoomID: 5, UserID: alice.ID, Action: MembershipJoin}))
	require.True(t, h.hub.IsSubscribed(a, 5))
	require.Equal(t, EventRoomJoined, nextEvent(t, a).Event)
}

// Requires a Redis server; set CHAT_TEST_REDIS=localhost:6379 to run.
func TestRedisMembershipRoundTrip(t *testing.T) {
	addr := os.Getenv("CHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAT_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	h, store := newMemoryHarness(t)
	bob := seedUser(t, store, "bob")
	b := h.connect(t, bob)

	membership := NewRedisMembership(rdb, h.hub, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	listening := make(chan error, 1)
	go func() { listening <- membership.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-listening)
	})

	require.Eventually(t, func() bool {
		n, err := rdb.PubSubNumSub(context.Background(), membershipChannel).Result()
		return err == nil && n[membershipChannel] > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, membership.MembershipChanged(context.Background(), MembershipEvent{RoomID: 8, UserID: bob.ID, Action: MembershipJoin}))
	require.Equal(t, EventRoomJoined, nextEvent(t, b).Event)
	require.True(t, h.hub.IsSubscribed(b, 8))

	require.NoError(t, membership.MembershipChanged(context.Background(), MembershipEvent{RoomID: 8, UserID: bob.ID, Action: MembershipLeave}))
	require.Equal(t, EventRoomLeft, nextEvent(t, b).Event)
	require.False(t, h.hub.IsSubscribed(b, 8))
}
