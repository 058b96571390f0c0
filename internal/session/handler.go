package session

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketchat/internal/chat"
	"marketchat/internal/composer"
	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/order"
	"marketchat/internal/window"
)

type Handler struct {
	manager          *Manager
	opener           OrderOpener
	validate         *validator.Validate
	actionsPerSecond int
	logger           *zap.Logger
}

func NewHandler(manager *Manager, opener OrderOpener, actionsPerSecond int, logger *zap.Logger) *Handler {
	if actionsPerSecond <= 0 {
		actionsPerSecond = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:          manager,
		opener:           opener,
		validate:         validator.New(),
		actionsPerSecond: actionsPerSecond,
		logger:           logger,
	}
}

// Routes mounts the chat endpoints. They expect the auth middleware in front.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Get("/api/chat", h.GetSnapshot)
	r.Post("/api/chat/open", h.OpenChat)
	r.Post("/api/chat/windows/{orderID}/close", h.CloseChat)
	r.Post("/api/chat/conversations/{conversationID}/read", h.MarkRead)
	r.Post("/api/chat/conversations/{conversationID}/messages", h.SendMessage)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(string)
	name, ok2 := r.Context().Value(myMiddleware.NameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	s, err := h.manager.Resume(chat.Participant{ID: userID, Name: name})
	if errors.Is(err, ErrLoggedOut) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	if err != nil {
		h.logger.Error("start chat session", zap.String("user_id", userID), zap.Error(err))
		http.Error(w, "chat unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return s, true
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade", zap.Error(err))
		return
	}

	client := &Client{
		session:  s,
		conn:     conn,
		send:     make(chan []byte, 256),
		replies:  make(chan Update, 16),
		limiter:  rate.NewLimiter(rate.Limit(h.actionsPerSecond), h.actionsPerSecond),
		validate: h.validate,
		opener:   h.opener,
		logger:   h.logger.With(zap.String("user_id", s.User().ID)),
	}
	updates, stop := s.Subscribe()

	go client.forward(updates)
	go client.writePump()
	go client.readPump(stop)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type openChatRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

func (h *Handler) OpenChat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req openChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap, convID, err := h.opener.OrderForChat(r.Context(), s.User().ID, req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	win, err := s.OpenChat(convID, snap)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

func (h *Handler) CloseChat(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.CloseChat(chi.URLParam(r, "orderID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.MarkRead(chi.URLParam(r, "conversationID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text string `json:"text" validate:"required,max=20000"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	convID := chi.URLParam(r, "conversationID")
	if err := s.UpdateDraft(convID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.Send(r.Context(), convID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, window.ErrChatUnavailable), errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, composer.ErrEmptyDraft), errors.Is(err, order.ErrEmptyMessage), errors.Is(err, order.ErrMessageTooLong):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, composer.ErrSendInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrConversationNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, order.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
