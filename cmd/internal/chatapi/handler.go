// Package chatapi exposes the durable REST surface of the messaging core:
// conversation listing and find-or-create, paginated history, the backup send
// path, read receipts, and per-user deletes.
package chatapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"servichat/cmd/internal/chat"
)

const maxBodyBytes = 64 << 10

// Handler serves the REST API. Every route except /api/health requires a
// bearer credential.
type Handler struct {
	log       *slog.Logger
	store     chat.ChatStore
	directory chat.UserDirectory
	dispatch  *chat.Dispatcher
	registry  *chat.Registry
	verifier  chat.TokenVerifier

	startedAt time.Time
}

// NewHandler constructs the REST handler over the shared dispatch core.
func NewHandler(
	log *slog.Logger,
	store chat.ChatStore,
	directory chat.UserDirectory,
	dispatch *chat.Dispatcher,
	registry *chat.Registry,
	verifier chat.TokenVerifier,
) *Handler {
	return &Handler{
		log:       log,
		store:     store,
		directory: directory,
		dispatch:  dispatch,
		registry:  registry,
		verifier:  verifier,
		startedAt: time.Now().UTC(),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)

	mux.HandleFunc("GET /api/conversations", h.handleListConversations)
	mux.HandleFunc("POST /api/conversations", h.handleCreateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", h.handleDeleteConversation)

	mux.HandleFunc("GET /api/messages/{conversationId}", h.handleListMessages)
	mux.HandleFunc("POST /api/messages", h.handleSendMessage)
	mux.HandleFunc("PATCH /api/messages/{conversationId}/read", h.handleMarkRead)
	mux.HandleFunc("DELETE /api/messages/{id}", h.handleDeleteMessage)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Seconds(),
	})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	convs, err := h.store.ListConversations(r.Context(), id.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]conversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, h.summarize(r, conv, id.UserID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	otherID := strings.TrimSpace(req.UserID)
	if otherID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if _, err := h.directory.GetProfile(r.Context(), otherID); err != nil {
		h.fail(w, r, err)
		return
	}

	conv, err := h.dispatch.FindOrCreateConversation(r.Context(), id.UserID, otherID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.summarize(r, conv, id.UserID))
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.store.HideConversationFor(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "conversation removed"})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := h.store.FetchMessages(r.Context(), chat.FetchMessagesInput{
		ConversationID: r.PathValue("conversationId"),
		RequesterID:    id.UserID,
		Page:           page,
		Limit:          limit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if res.Messages == nil {
		res.Messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: res.Messages, Pagination: res.Pagination})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "conversationId and text are required")
		return
	}

	msg, err := h.dispatch.SendMessage(r.Context(), id, req.ConversationID, req.Text, req.RecipientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.dispatch.MarkConversationRead(r.Context(), r.PathValue("conversationId"), id.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "messages marked as read"})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteMessageFor(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Message: "message removed"})
}

// ---- helpers ----

// summarize folds the other participant's profile into the list-view shape.
// Live presence from the registry overrides the stored flag.
func (h *Handler) summarize(r *http.Request, conv chat.Conversation, callerID string) conversationSummary {
	out := conversationSummary{
		ID:              conv.ID,
		LastMessage:     conv.LastMessage.Text,
		LastMessageTime: conv.LastMessage.Timestamp,
		UnreadCount:     conv.UnreadCount[callerID],
		UpdatedAt:       conv.UpdatedAt,
	}
	if out.LastMessageTime.IsZero() {
		out.LastMessageTime = conv.CreatedAt
	}

	otherID := conv.OtherParticipant(callerID)
	out.UserID = otherID

	if p, err := h.directory.GetProfile(r.Context(), otherID); err == nil {
		out.UserName = p.UserName
		out.UserAvatar = p.Avatar
		out.IsOnline = p.IsOnline
		out.LastSeen = p.LastSeen
	}
	if h.registry != nil && h.registry.IsOnline(otherID) {
		out.IsOnline = true
	}
	return out
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (chat.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing credential")
		return chat.Identity{}, false
	}

	id, err := h.verifier.Verify(token, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credential")
		return chat.Identity{}, false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// fail maps the core error taxonomy onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found")
	case chat.IsForbidden(err):
		writeError(w, http.StatusForbidden, "forbidden")
	case chat.IsAuthentication(err):
		writeError(w, http.StatusUnauthorized, "invalid credential")
	case chat.IsTransient(err):
		h.log.Error("api.transient", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		h.log.Error("api.internal", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
