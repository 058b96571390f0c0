package user

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"marketchat/internal/chat"
	myMiddleware "marketchat/internal/middleware"
)

// Sessions starts and ends the chat session that lives between login and
// logout.
type Sessions interface {
	Start(user chat.Participant) error
	Stop(userID string)
}

type Handler struct {
	Service  *Service
	sessions Sessions
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(s *Service, sessions Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: s, sessions: sessions, validate: validator.New(), logger: logger}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	u, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		h.logger.Warn("register failed", zap.String("username", req.Username), zap.Error(err))
		http.Error(w, "could not register user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, u, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			h.logger.Error("login failed", zap.Error(err))
		}
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if h.sessions != nil {
		if err := h.sessions.Start(chat.Participant{ID: u.ID, Name: u.DisplayName()}); err != nil {
			h.logger.Warn("chat session not started", zap.String("user_id", u.ID), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// Logout ends the caller's chat session. The token itself stays valid until
// it expires.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.sessions != nil {
		h.sessions.Stop(userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SearchShops(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchShops(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
