package upload

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *Service
	logger  *slog.Logger
}

func NewHandler(s *Service, logger *slog.Logger) *Handler {
	return &Handler{Service: s, logger: logger}
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	f, err := h.Service.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		h.logger.Error("loading file", "error", err)
		http.Error(w, "could not load file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", f.MimeType)
	http.ServeContent(w, r, f.Name, f.CreatedAt, f.Reader())
}
