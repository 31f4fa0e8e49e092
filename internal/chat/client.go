package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.
)

// ConnState is the lifecycle state of a Client.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is a middleman between one websocket connection and the hub. It
// belongs to exactly one Identity for its whole life.
type Client struct {
	ID       string
	Identity Identity

	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32

	// rooms is owned by the hub goroutine.
	rooms map[int64]struct{}
}

func NewClient(conn *websocket.Conn, identity Identity, sendBuffer int) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

func (c *Client) ConnID() string { return c.ID }

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// close moves the client to StateClosed and reports whether this call did it.
func (c *Client) close() bool {
	for {
		cur := c.state.Load()
		if ConnState(cur) == StateClosed {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}

// readPump pumps frames from the websocket connection into the service. The
// deferred Disconnect runs however the loop ends.
func (c *Client) readPump(ctx context.Context, s *Service, maxMessageSize int64, log *slog.Logger) {
	defer func() {
		// Cleanup: tell the Service and drop the socket
		s.Disconnect(c)
		c.conn.Close()
	}()

	// Limits against oversized frames
	c.conn.SetReadLimit(maxMessageSize)

	// Heartbeat: every pong pushes the read deadline out
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Websocket read failed", "conn_id", c.ID, "user_id", c.Identity.ID, "error", err)
			}
			return
		}
		// PIPELINE: Browser -> readPump -> Service.Dispatch -> Hub
		if err := s.Dispatch(ctx, c, message); errors.Is(err, errLogout) {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			// A write deadline so a stalled peer cannot hang the pump
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued envelopes into the same frame, one per line.
			n := len(c.send)
			for i := 0; i < n; i++ {
				queued, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(queued)
			}

			if err := w.Close(); err != nil {
				return
			}

		// Heartbeat: ping well inside the peer's pongWait
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
