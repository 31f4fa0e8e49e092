package chat

import (
	"context"
	"log/slog"

	"github.com/samber/lo"

	"realtime-chat/internal/presence"
)

type presenceStatus int

const (
	// presenceUnchanged re-broadcasts the snapshot without a delta event.
	presenceUnchanged presenceStatus = iota
	presenceOnline
	presenceOffline
)

type broadcastMessage struct {
	roomID  int64 // 0 means every connected client
	payload []byte
	except  *Client
}

type presenceChange struct {
	profile Profile
	status  presenceStatus
	origin  *Client
}

// Hub owns the connection set and the room subscription tables. Only the Run
// goroutine touches them; everything else talks to it over channels, so the
// tables need no locks.
type Hub struct {
	clients map[*Client]struct{}
	byUser  map[int64]map[*Client]struct{}
	rooms   map[int64]map[*Client]struct{}

	// The pipes. These are the only way in once Run has started.
	register   chan *Client           // Client connects
	unregister chan *Client           // Client leaves
	broadcast  chan *broadcastMessage // Room or global fan-out
	presence   chan *presenceChange   // Online snapshot and deltas
	exec       chan func()            // Reads and writes of the tables
	done       chan struct{}

	registry *presence.Registry
	metrics  *Metrics
	log      *slog.Logger
}

func NewHub(registry *presence.Registry, metrics *Metrics, log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[int64]map[*Client]struct{}),
		rooms:      make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage),
		presence:   make(chan *presenceChange),
		exec:       make(chan func()),
		done:       make(chan struct{}),
		registry:   registry,
		metrics:    metrics,
		log:        log,
	}
}

// Run processes hub operations until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		// Shutdown: close every send channel so the write pumps hang up.
		case <-ctx.Done():
			h.log.Info("Hub shutting down", "clients", len(h.clients))
			h.closeAll()
			return

		// Someone connects
		case client := <-h.register:
			h.handleRegister(client)

		// Someone disconnects. Removing twice is a no-op.
		case client := <-h.unregister:
			h.removeClient(client)

		// Fan-out: Service -> Hub -> every subscriber's send channel
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)

		case change := <-h.presence:
			h.handlePresence(change)

		// Subscribe, Send, SendToUser and friends run here
		case fn := <-h.exec:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast delivers payload to every subscriber of roomID except the given
// client. A zero roomID addresses every connected client.
func (h *Hub) Broadcast(roomID int64, payload []byte, except *Client) {
	select {
	case h.broadcast <- &broadcastMessage{roomID: roomID, payload: payload, except: except}:
	case <-h.done:
	}
}

// PresenceChanged broadcasts the current online snapshot to everyone and, for
// an online or offline transition, the delta to everyone but origin.
func (h *Hub) PresenceChanged(profile Profile, status presenceStatus, origin *Client) {
	select {
	case h.presence <- &presenceChange{profile: profile, status: status, origin: origin}:
	case <-h.done:
	}
}

// call runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) call(fn func()) bool {
	finished := make(chan struct{})
	select {
	case h.exec <- func() { defer close(finished); fn() }:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

// Subscribe adds client to each room and returns how many were new.
func (h *Hub) Subscribe(client *Client, roomIDs ...int64) int {
	added := 0
	h.call(func() {
		for _, roomID := range roomIDs {
			if h.subscribe(client, roomID) {
				added++
			}
		}
	})
	return added
}

func (h *Hub) Unsubscribe(client *Client, roomID int64) bool {
	var removed bool
	h.call(func() { removed = h.unsubscribe(client, roomID) })
	return removed
}

func (h *Hub) IsSubscribed(client *Client, roomID int64) bool {
	var ok bool
	h.call(func() {
		_, ok = h.rooms[roomID][client]
	})
	return ok
}

// Send delivers payload to a single registered client.
func (h *Hub) Send(client *Client, payload []byte) bool {
	var sent bool
	h.call(func() {
		if _, ok := h.clients[client]; ok {
			sent = h.deliver(client, payload)
		}
	})
	return sent
}

// SendToUser routes payload to the current connection of userID as recorded
// by the presence registry. It reports false if the user has none.
func (h *Hub) SendToUser(userID int64, payload []byte) bool {
	var sent bool
	h.call(func() {
		conn, ok := h.registry.Lookup(userID)
		if !ok {
			return
		}
		client, ok := conn.(*Client)
		if !ok {
			return
		}
		if _, ok := h.clients[client]; ok {
			sent = h.deliver(client, payload)
		}
	})
	return sent
}

// ApplyMembership reflects an external membership change into the live
// subscriptions of every connection of the user and tells them about it.
func (h *Hub) ApplyMembership(evt MembershipEvent) int {
	changed := 0
	h.call(func() {
		for client := range h.byUser[evt.UserID] {
			switch evt.Action {
			case MembershipJoin:
				if h.subscribe(client, evt.RoomID) {
					changed++
					h.deliver(client, encode(EventRoomJoined, RoomEvent{RoomID: evt.RoomID}))
				}
			case MembershipLeave:
				if h.unsubscribe(client, evt.RoomID) {
					changed++
					h.deliver(client, encode(EventRoomLeft, RoomEvent{RoomID: evt.RoomID}))
				}
			}
		}
	})
	if changed > 0 {
		h.log.Debug("Membership applied", "room_id", evt.RoomID, "user_id", evt.UserID, "action", evt.Action, "connections", changed)
	}
	return changed
}

// MembershipChanged applies evt to this process only.
func (h *Hub) MembershipChanged(_ context.Context, evt MembershipEvent) error {
	h.ApplyMembership(evt)
	return nil
}

func (h *Hub) ClientCount() int {
	var n int
	h.call(func() { n = len(h.clients) })
	return n
}

func (h *Hub) RoomSize(roomID int64) int {
	var n int
	h.call(func() { n = len(h.rooms[roomID]) })
	return n
}

// ---------------------------------------------
// Hub goroutine only
// ---------------------------------------------

func (h *Hub) handleRegister(client *Client) {
	h.clients[client] = struct{}{}
	if h.byUser[client.Identity.ID] == nil {
		h.byUser[client.Identity.ID] = make(map[*Client]struct{})
	}
	h.byUser[client.Identity.ID][client] = struct{}{}
	if client.rooms == nil {
		client.rooms = make(map[int64]struct{})
	}
	h.metrics.connections.Set(float64(len(h.clients)))
	h.log.Debug("Client registered", "conn_id", client.ID, "user_id", client.Identity.ID)
}

func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	if conns, ok := h.byUser[client.Identity.ID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.byUser, client.Identity.ID)
		}
	}
	for roomID := range client.rooms {
		h.dropFromRoom(client, roomID)
	}
	client.rooms = nil

	close(client.send) // Stops the writePump
	h.metrics.connections.Set(float64(len(h.clients)))
	h.log.Debug("Client unregistered", "conn_id", client.ID, "user_id", client.Identity.ID)
}

func (h *Hub) subscribe(client *Client, roomID int64) bool {
	if _, ok := h.clients[client]; !ok {
		return false
	}
	if _, ok := client.rooms[roomID]; ok {
		return false
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]struct{})
	}
	h.rooms[roomID][client] = struct{}{}
	client.rooms[roomID] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(client *Client, roomID int64) bool {
	if _, ok := client.rooms[roomID]; !ok {
		return false
	}
	delete(client.rooms, roomID)
	h.dropFromRoom(client, roomID)
	return true
}

func (h *Hub) dropFromRoom(client *Client, roomID int64) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) handleBroadcast(msg *broadcastMessage) {
	targets := h.clients
	if msg.roomID != 0 {
		targets = h.rooms[msg.roomID]
	}
	for client := range targets {
		if client == msg.except {
			continue
		}
		h.deliver(client, msg.payload)
	}
}

func (h *Hub) handlePresence(change *presenceChange) {
	snapshot := h.registry.Snapshot()
	h.metrics.onlineUsers.Set(float64(len(snapshot)))

	users := lo.Map(snapshot, func(id int64, _ int) OnlineUser {
		return OnlineUser{UserID: id}
	})
	h.handleBroadcast(&broadcastMessage{payload: encode(EventOnlineUsers, users)})

	delta := PresenceEvent{
		UserID:      change.profile.ID,
		DisplayName: change.profile.Username,
		AvatarURL:   change.profile.AvatarURL,
	}
	switch change.status {
	case presenceOnline:
		h.handleBroadcast(&broadcastMessage{payload: encode(EventUserOnline, delta), except: change.origin})
	case presenceOffline:
		h.handleBroadcast(&broadcastMessage{payload: encode(EventUserOffline, delta), except: change.origin})
	}
}

// deliver never blocks: a client whose buffer is full is dropped, which
// closes its send channel and in turn its connection.
func (h *Hub) deliver(client *Client, payload []byte) bool {
	select {
	case client.send <- payload:
		return true
	default:
		h.log.Warn("Send buffer full, dropping client", "conn_id", client.ID, "user_id", client.Identity.ID)
		h.metrics.clientsDropped.Inc()
		h.removeClient(client)
		return false
	}
}

func (h *Hub) closeAll() {
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]struct{})
	h.byUser = make(map[int64]map[*Client]struct{})
	h.rooms = make(map[int64]map[*Client]struct{})
}
