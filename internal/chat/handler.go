package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	myMiddleware "galaxy-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// FileStore is what the handler needs from the upload service.
type FileStore interface {
	Save(ctx context.Context, name string, r io.Reader) (id, mimeType string, err error)
}

type Handler struct {
	hub       *Hub
	files     FileStore
	maxUpload int64
	logger    *slog.Logger
}

func NewHandler(hub *Hub, files FileStore, maxUpload int64, logger *slog.Logger) *Handler {
	return &Handler{
		hub:       hub,
		files:     files,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// ServeWs upgrades the request. The connection says who it is with a register
// event; until then it is not present in the directory.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:   ConnID(uuid.NewString()),
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

type sendRequest struct {
	ReceiverID string `json:"receiverId"`
	GroupID    string `json:"groupId"`
	Text       string `json:"text"`
}

// SendMessage accepts JSON or a multipart form with an optional "file" part.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sendRequest
	in := NewMessage{Sender: Identity(sender)}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		req.ReceiverID = r.FormValue("receiverId")
		req.GroupID = r.FormValue("groupId")
		req.Text = r.FormValue("text")

		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			id, mimeType, err := h.files.Save(r.Context(), header.Filename, file)
			if err != nil {
				h.logger.Error("storing upload", "sender", sender, "error", err)
				writeMessage(w, statusFor(err), "Message send failed")
				return
			}
			in.FileID, in.FileType = id, mimeType
		case errors.Is(err, http.ErrMissingFile):
		default:
			writeMessage(w, http.StatusBadRequest, "invalid file part")
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	in.Receiver = Identity(req.ReceiverID)
	in.GroupID = req.GroupID
	in.Text = req.Text
	if in.Text == "" && in.FileID == "" {
		writeMessage(w, http.StatusBadRequest, "text or file is required")
		return
	}

	var msg *Message
	var sendErr error
	err := h.hub.Do(r.Context(), func(s *Service) {
		msg, sendErr = s.SendMessage(r.Context(), "", EventReceiveMessage, in)
	})
	if err == nil {
		err = sendErr
	}
	if err != nil {
		writeMessage(w, statusFor(err), "Message send failed")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// GetChatHistory returns the conversation between the caller and {id}.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	me, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	peer := Identity(chi.URLParam(r, "id"))

	// history reads only the store, so it does not go through the hub
	messages, err := h.hub.service.Conversation(r.Context(), Identity(me), peer)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Error fetching chat")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	me, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	messageID := chi.URLParam(r, "messageId")

	var readErr error
	err := h.hub.Do(r.Context(), func(s *Service) {
		readErr = s.MarkRead(r.Context(), messageID, Identity(me))
	})
	if err == nil {
		err = readErr
	}
	switch {
	case err == nil:
		writeMessage(w, http.StatusOK, "Marked as read")
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Message not found")
	default:
		writeMessage(w, statusFor(err), "Could not update read status")
	}
}

func (h *Handler) GetContacts(w http.ResponseWriter, r *http.Request) {
	me, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var state ContactState
	if err := h.hub.Do(r.Context(), func(s *Service) {
		state = s.ContactState(Identity(me))
	}); err != nil {
		writeMessage(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	identity := Identity(chi.URLParam(r, "id"))

	status := StatusOffline
	if err := h.hub.Do(r.Context(), func(s *Service) {
		if s.IsOnline(identity) {
			status = StatusOnline
		}
	}); err != nil {
		writeMessage(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UserStatusEvent{Identity: identity, Status: status})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrHubClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
