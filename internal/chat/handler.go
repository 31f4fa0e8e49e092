package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	myMiddleware "realtime-chat/internal/middleware"
)

type HandlerOptions struct {
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	SendBuffer     int
	MaxMessageSize int64
}

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	service  *Service
	auth     *Authenticator
	upgrader websocket.Upgrader
	opts     HandlerOptions
	log      *slog.Logger

	// sessions counts handshakes in flight and read pumps still running.
	sessions sync.WaitGroup
}

func NewHandler(service *Service, auth *Authenticator, opts HandlerOptions, log *slog.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	h := &Handler{service: service, auth: auth, opts: opts, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWs authenticates the request before upgrading it. A rejected request
// never becomes a connection: it gets a JSON {"message"} body instead.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	h.sessions.Add(1)
	started := false
	defer func() {
		if !started {
			h.sessions.Done()
		}
	}()

	identity, err := h.auth.Authenticate(r.Context(), myMiddleware.TokenFromRequest(r))
	if err != nil {
		if errors.Is(err, ErrStore) {
			h.log.Error("Handshake identity lookup failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		h.log.Debug("Handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "user_id", identity.ID, "error", err)
		return
	}

	// Create the Client and run the connect lifecycle
	client := NewClient(conn, identity, h.opts.SendBuffer)

	// The session outlives the handshake request.
	ctx := context.WithoutCancel(r.Context())
	h.service.Connect(ctx, client)

	// Start the two pumps. ServeWs returns right away.
	go client.writePump()
	go func() {
		defer h.sessions.Done()
		client.readPump(ctx, h.service, h.opts.MaxMessageSize, h.log)
	}()
	started = true
}

// Wait blocks until every session has run its disconnect cleanup, or ctx
// ends. Call it after the hub has stopped and before closing the store.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
