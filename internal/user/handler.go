package user

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	myMiddleware "galaxy-chat/internal/middleware"
)

type Handler struct {
	Service *Service
	logger  *slog.Logger
}

func NewHandler(s *Service, logger *slog.Logger) *Handler {
	return &Handler{Service: s, logger: logger}
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	u, token, err := h.Service.Signup(r.Context(), &req)
	switch {
	case err == nil:
		message := "Signup successful"
		if u.IsGhost() {
			message = "Ghost signup successful"
		}
		writeJSON(w, http.StatusCreated, AuthResponse{Token: token, Message: message, User: u})
	case errors.Is(err, ErrUserExists):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("signup failed", "email", req.Email, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Signup failed")
	}
}

func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	u, token, err := h.Service.Signin(r.Context(), &req)
	switch {
	case err == nil:
		message := "Signin successful"
		if req.Role == RoleGhost {
			message = "Ghost sign-in successful"
		}
		writeJSON(w, http.StatusOK, AuthResponse{Token: token, Message: message, User: u})
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrInvalidPassword), errors.Is(err, ErrNotGhost):
		writeMessage(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("signin failed", "email", req.Email, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Signin failed")
	}
}

// Me returns the caller's own account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	email, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Not authorized")
		return
	}

	u, err := h.Service.Me(r.Context(), email)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]*User{"user": u})
	case errors.Is(err, ErrUserNotFound):
		writeMessage(w, http.StatusUnauthorized, "Not authorized")
	default:
		h.logger.Error("loading current user", "email", email, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Server error")
	}
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("user search failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Search failed")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
