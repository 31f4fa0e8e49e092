package chat

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/presence"
)

func TestHubBroadcastIsRoomScoped(t *testing.T) {
	h := newHarness(t, nil, nil, Options{})

	a := newTestClient(Identity{ID: 1})
	b := newTestClient(Identity{ID: 2})
	c := newTestClient(Identity{ID: 3})
	for _, client := range []*Client{a, b, c} {
		h.hub.Register(client)
	}
	require.Equal(t, 2, h.hub.Subscribe(a, 10, 11))
	require.Equal(t, 1, h.hub.Subscribe(b, 10))
	require.Zero(t, h.hub.Subscribe(b, 10), "subscribing twice adds nothing")

	h.hub.Broadcast(10, encode(EventUserTyping, TypingEvent{UserID: 1, RoomID: 10}), a)
	h.sync()

	require.Empty(t, pending(t, a))
	require.Equal(t, []string{EventUserTyping}, pendingEvents(t, b))
	require.Empty(t, pending(t, c))
	require.Equal(t, 2, h.hub.RoomSize(10))
}

func TestHubBroadcastToEveryone(t *testing.T) {
	h := newHarness(t, nil, nil, Options{})

	a := newTestClient(Identity{ID: 1})
	b := newTestClient(Identity{ID: 2})
	h.hub.Register(a)
	h.hub.Register(b)

	h.hub.Broadcast(0, encode(EventOnlineUsers, []OnlineUser{}), nil)
	h.sync()

	require.Equal(t, []string{EventOnlineUsers}, pendingEvents(t, a))
	require.Equal(t, []string{EventOnlineUsers}, pendingEvents(t, b))
}

func TestHubDropsClientWithFullBuffer(t *testing.T) {
	h := newHarness(t, nil, nil, Options{})

	slow := &Client{ID: "slow", Identity: Identity{ID: 1}, send: make(chan []byte, 1)}
	h.hub.Register(slow)
	h.hub.Subscribe(slow, 5)

	h.hub.Broadcast(5, []byte(`{"event":"a"}`), nil)
	h.hub.Broadcast(5, []byte(`{"event":"b"}`), nil)
	h.sync()

	require.Zero(t, h.hub.ClientCount())
	require.Zero(t, h.hub.RoomSize(5))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.clientsDropped))

	<-slow.send
	_, ok := <-slow.send
	require.False(t, ok, "send channel is closed once the client is dropped")
}

func TestHubUnregisterCleansRooms(t *testing.T) {
	h := newHarness(t, nil, nil, Options{})

	a := newTestClient(Identity{ID: 1})
	h.hub.Register(a)
	h.hub.Subscribe(a, 1, 2, 3)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.connections))

	h.hub.Unregister(a)
	h.hub.Unregister(a)

	require.Zero(t, h.hub.ClientCount())
	for _, room := range []int64{1, 2, 3} {
		require.Zero(t, h.hub.RoomSize(room))
	}
	require.Zero(t, testutil.ToFloat64(h.metrics.connections))
}

func TestHubApplyMembership(t *testing.T) {
	h := newHarness(t, nil, nil, Options{})

	phone := newTestClient(Identity{ID: 7})
	laptop := newTestClient(Identity{ID: 7})
	other := newTestClient(Identity{ID: 8})
	for _, client := range []*Client{phone, laptop, other} {
		h.hub.Register(client)
	}

	require.Equal(t, 2, h.hub.ApplyMembership(MembershipEvent{RoomID: 3, UserID: 7, Action: MembershipJoin}))
	require.True(t, h.hub.IsSubscribed(phone, 3))
	require.True(t, h.hub.IsSubscribed(laptop, 3))
	require.False(t, h.hub.IsSubscribed(other, 3))

	env := nextEvent(t, phone)
	require.Equal(t, EventRoomJoined, env.Event)
	require.Equal(t, RoomEvent{RoomID: 3}, decodeData[RoomEvent](t, env))
	drain(laptop)

	require.Equal(t, 2, h.hub.ApplyMembership(MembershipEvent{RoomID: 3, UserID: 7, Action: MembershipLeave}))
	require.False(t, h.hub.IsSubscribed(phone, 3))
	require.Equal(t, EventRoomLeft, nextEvent(t, laptop).Event)
	drain(phone)

	require.Zero(t, h.hub.ApplyMembership(MembershipEvent{RoomID: 3, UserID: 7, Action: MembershipLeave}))
	h.sync()
	require.Empty(t, pending(t, phone))
}

func TestHubSendToUserFollowsRegistry(t *testing.T) {
	registry := presence.NewRegistry(nil, discardLogger())
	metrics := NewMetrics(prometheus.NewRegistry())
	hub := NewHub(registry, metrics, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	defer func() { cancel(); <-hub.Done() }()

	first := newTestClient(Identity{ID: 4})
	second := newTestClient(Identity{ID: 4})
	hub.Register(first)
	hub.Register(second)

	require.False(t, hub.SendToUser(4, []byte(`{}`)), "no registry entry yet")

	registry.MarkOnline(ctx, 4, first)
	registry.MarkOnline(ctx, 4, second)
	require.True(t, hub.SendToUser(4, []byte(`{"event":"x"}`)))

	require.Empty(t, pending(t, first))
	require.Len(t, pending(t, second), 1)
}

func TestHubRunClosesClientsOnShutdown(t *testing.T) {
	registry := presence.NewRegistry(nil, discardLogger())
	hub := NewHub(registry, NewMetrics(prometheus.NewRegistry()), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	a := newTestClient(Identity{ID: 1})
	hub.Register(a)
	cancel()
	<-hub.Done()

	_, ok := <-a.send
	require.False(t, ok)

	// Calls after shutdown return instead of blocking.
	hub.Broadcast(0, []byte(`{}`), nil)
	require.False(t, hub.Send(a, []byte(`{}`)))
	require.Zero(t, hub.Subscribe(a, 1))
}
