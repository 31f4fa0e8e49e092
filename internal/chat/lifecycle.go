package chat

import (
	"context"
)

// Connect moves an authenticated client to StateActive: it registers the
// connection, marks the user online, subscribes every room the user belongs
// to and broadcasts the presence change. A room loading failure is reported
// to the client without closing the connection.
func (s *Service) Connect(ctx context.Context, c *Client) {
	s.hub.Register(c)

	pctx, cancel := s.storeContext(ctx)
	s.presence.MarkOnline(pctx, c.Identity.ID, c)
	cancel()

	c.setState(StateActive)
	if err := s.subscribeAll(ctx, c); err != nil {
		s.fail(c, "", err, "Connection setup failed")
	}

	s.hub.PresenceChanged(c.Identity.Profile(), presenceOnline, c)
	s.log.Info("User connected", "user_id", c.Identity.ID, "conn_id", c.ID)
}

// Disconnect moves c to StateClosed. It runs at most once per client however
// the connection ended, and always broadcasts a fresh presence snapshot. The
// user only goes offline if c is still their current connection.
func (s *Service) Disconnect(c *Client) {
	if !c.close() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	wentOffline := s.presence.MarkOffline(ctx, c.Identity.ID, c)

	s.hub.Unregister(c)

	status := presenceUnchanged
	if wentOffline {
		status = presenceOffline
	}
	s.hub.PresenceChanged(c.Identity.Profile(), status, c)
	s.log.Info("User disconnected", "user_id", c.Identity.ID, "conn_id", c.ID, "offline", wentOffline)
}
