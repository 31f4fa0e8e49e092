package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	myMiddleware "realtime-chat/internal/middleware"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ConversationStore is the membership CRUD and history the REST API needs.
// Both *Repository and *MemoryStore satisfy it.
type ConversationStore interface {
	RoomsFor(ctx context.Context, userID int64) ([]int64, error)
	GetConversation(ctx context.Context, roomID int64) (Conversation, error)
	// FindDirect returns the direct conversation between a and b, or
	// ErrNotFound when there is none.
	FindDirect(ctx context.Context, a, b int64) (Conversation, error)
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
	CreateConversation(ctx context.Context, kind ConversationKind, name string, members []int64) (Conversation, error)
	AddMember(ctx context.Context, roomID, userID int64) (bool, error)
	RemoveMember(ctx context.Context, roomID, userID int64) (bool, error)
	// ListMessages returns up to limit messages older than before (0 for the
	// newest), oldest first.
	ListMessages(ctx context.Context, roomID, before int64, limit int) ([]Message, error)
}

type CreateConversationRequest struct {
	MemberIDs []int64          `json:"memberIds" validate:"required,min=1,dive,gt=0"`
	Kind      ConversationKind `json:"kind" validate:"omitempty,oneof=direct group classroom"`
	Name      string           `json:"name" validate:"max=100"`
}

type AddMemberRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

// ConversationAPI serves conversation CRUD over HTTP. Every membership change
// is handed to the notifier so live sessions follow it.
type ConversationAPI struct {
	store    ConversationStore
	notifier MembershipNotifier
	validate *validator.Validate
	log      *slog.Logger
}

func NewConversationAPI(store ConversationStore, notifier MembershipNotifier, log *slog.Logger) *ConversationAPI {
	return &ConversationAPI{store: store, notifier: notifier, validate: validator.New(), log: log}
}

// Routes mounts the API under the caller's router. It expects the auth
// middleware to have run.
func (a *ConversationAPI) Routes(r chi.Router) {
	r.Get("/api/conversations", a.List)
	r.Post("/api/conversations", a.Create)
	r.Post("/api/conversations/{id}/members", a.AddMember)
	r.Delete("/api/conversations/{id}/members/{userId}", a.RemoveMember)
	r.Get("/api/conversations/{id}/messages", a.History)
}

// List returns every conversation the caller belongs to, members and last
// message pointer included.
func (a *ConversationAPI) List(w http.ResponseWriter, r *http.Request) {
	callerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	roomIDs, err := a.store.RoomsFor(r.Context(), callerID)
	if err != nil {
		a.writeStoreError(w, "list conversations", err)
		return
	}
	convs := make([]Conversation, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		conv, err := a.store.GetConversation(r.Context(), roomID)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the two reads.
			continue
		}
		if err != nil {
			a.writeStoreError(w, "get conversation", err)
			return
		}
		convs = append(convs, conv)
	}
	writeJSON(w, http.StatusOK, convs)
}

// Create opens a conversation. A direct conversation that already exists
// between the two members is returned as is with 200.
func (a *ConversationAPI) Create(w http.ResponseWriter, r *http.Request) {
	callerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = KindDirect
	}

	members := lo.Uniq(append([]int64{callerID}, req.MemberIDs...))
	if req.Kind == KindDirect && len(members) != 2 {
		writeError(w, http.StatusBadRequest, "a direct conversation has exactly two members")
		return
	}
	if req.Kind == KindDirect {
		existing, err := a.store.FindDirect(r.Context(), members[0], members[1])
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, ErrNotFound) {
			a.writeStoreError(w, "find direct conversation", err)
			return
		}
	}

	conv, err := a.store.CreateConversation(r.Context(), req.Kind, req.Name, members)
	if err != nil {
		a.writeStoreError(w, "create conversation", err)
		return
	}
	for _, userID := range conv.Members {
		a.notify(r.Context(), MembershipEvent{RoomID: conv.ID, UserID: userID, Action: MembershipJoin})
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (a *ConversationAPI) AddMember(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if !conv.IsGroup() {
		writeError(w, http.StatusBadRequest, "members cannot be added to a direct conversation")
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added, err := a.store.AddMember(r.Context(), conv.ID, req.UserID)
	if err != nil {
		a.writeStoreError(w, "add member", err)
		return
	}
	if added {
		a.notify(r.Context(), MembershipEvent{RoomID: conv.ID, UserID: req.UserID, Action: MembershipJoin})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ConversationAPI) RemoveMember(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.authorize(w, r)
	if !ok {
		return
	}
	if !conv.IsGroup() {
		writeError(w, http.StatusBadRequest, "members cannot be removed from a direct conversation")
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	removed, err := a.store.RemoveMember(r.Context(), conv.ID, userID)
	if err != nil {
		a.writeStoreError(w, "remove member", err)
		return
	}
	if removed {
		a.notify(r.Context(), MembershipEvent{RoomID: conv.ID, UserID: userID, Action: MembershipLeave})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ConversationAPI) History(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.authorize(w, r)
	if !ok {
		return
	}

	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	messages, err := a.store.ListMessages(r.Context(), conv.ID, before, limit)
	if err != nil {
		a.writeStoreError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// authorize loads the conversation in the URL and checks the caller belongs to it.
func (a *ConversationAPI) authorize(w http.ResponseWriter, r *http.Request) (Conversation, bool) {
	callerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return Conversation{}, false
	}
	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roomID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return Conversation{}, false
	}

	conv, err := a.store.GetConversation(r.Context(), roomID)
	if err != nil {
		a.writeStoreError(w, "get conversation", err)
		return Conversation{}, false
	}
	if !conv.HasMember(callerID) {
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return Conversation{}, false
	}
	return conv, true
}

func (a *ConversationAPI) notify(ctx context.Context, evt MembershipEvent) {
	if err := a.notifier.MembershipChanged(context.WithoutCancel(ctx), evt); err != nil {
		a.log.Warn("Membership notification failed", "room_id", evt.RoomID, "user_id", evt.UserID, "action", evt.Action, "error", err)
	}
}

func (a *ConversationAPI) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.log.Error("Store call failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pageParams(r *http.Request) (limit int, before int64, err error) {
	limit = defaultHistoryLimit
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = min(limit, maxHistoryLimit)
	}
	if v := q.Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil || before < 0 {
			return 0, 0, fmt.Errorf("invalid before %q", v)
		}
	}
	return limit, before, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorEvent{Message: message})
}
