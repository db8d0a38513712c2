package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proconnect/internal/middleware"
	"proconnect/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway layer in front of this service enforces origin.
		return true
	},
}

// Handler exposes the chat REST surface and the channel upgrade.
type Handler struct {
	gateway *Gateway
	store   Store
	unread  *UnreadCounter
	log     *logger.Logger
}

func NewHandler(gw *Gateway, store Store, unread *UnreadCounter, log *logger.Logger) *Handler {
	return &Handler{gateway: gw, store: store, unread: unread, log: log}
}

// Routes mounts the chat endpoints on an authenticated router group.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Get("/chat/conversations", h.ListConversations)
	r.Post("/chat/conversations", h.StartConversation)
	r.Get("/chat/conversations/{id}/messages", h.GetMessages)
	r.Put("/chat/conversations/{id}/read", h.MarkRead)
	r.Get("/chat/unread-count", h.UnreadCount)
}

// ServeWs upgrades an authenticated request to a channel session.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	username, ok2 := middleware.Username(r.Context())
	if !ok || !ok2 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.gateway.Attach(conn, userID, username)
}

// ListConversations handles GET /chat/conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	summaries, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		h.log.Error("list conversations failed", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if summaries == nil {
		summaries = []ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// StartConversation handles POST /chat/conversations. Creation is
// idempotent: an existing pair returns the existing record with 200.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	var req struct {
		ParticipantID int `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, created, err := h.store.FindOrCreateConversation(r.Context(), userID, req.ParticipantID)
	if err != nil {
		if errors.Is(err, ErrInvalidParticipants) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error("start conversation failed", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// GetMessages handles GET /chat/conversations/{id}/messages. The list is
// ascending by createdAt; this ordering is the contract clients render
// against.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conversationID, userID)
	if err != nil {
		h.writeStoreError(w, userID, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// MarkRead handles PUT /chat/conversations/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	conversationID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	updated, err := h.store.MarkConversationRead(r.Context(), conversationID, userID)
	if err != nil {
		h.writeStoreError(w, userID, err)
		return
	}
	if updated > 0 {
		h.unread.Invalidate(r.Context(), userID)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// UnreadCount handles GET /chat/unread-count. Reconnecting clients call
// this for the authoritative total instead of trusting local state.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())

	count, err := h.unread.Total(r.Context(), userID)
	if err != nil {
		h.log.Error("unread count failed", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute unread count")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, userID int, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrNotAParticipant):
		writeError(w, http.StatusForbidden, "not a participant")
	default:
		h.log.Error("store error", zap.Int("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
