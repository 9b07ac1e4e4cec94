package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	myMiddleware "galaxy-chat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// tokenIsEmail treats the bearer token as the caller's email.
type tokenIsEmail struct{}

func (tokenIsEmail) ValidateToken(token string) (string, string, error) {
	return token, "member", nil
}

type stubFiles struct {
	names []string
}

func (s *stubFiles) Save(_ context.Context, name string, r io.Reader) (string, string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", "", err
	}
	s.names = append(s.names, name)
	return "file-1", "image/png", nil
}

type testServer struct {
	*httptest.Server
	hub   *Hub
	files *stubFiles
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hub := NewHub(NewRepository(newTestDatabase(t)), nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()

	files := &stubFiles{}
	h := NewHandler(hub, files, 1<<20, discardLogger())
	auth := myMiddleware.NewAuthMiddleware(tokenIsEmail{})

	r := chi.NewRouter()
	r.Get("/ws", h.ServeWs)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Post("/api/chat/send", h.SendMessage)
		r.Post("/api/chat/read/{messageId}", h.MarkRead)
		r.Get("/api/chat/{id}", h.GetChatHistory)
		r.Get("/api/contacts", h.GetContacts)
		r.Get("/api/presence/{id}", h.GetPresence)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-stopped
	})
	return &testServer{Server: srv, hub: hub, files: files}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and registers identity, waiting for its own online broadcast.
func (s *testServer) connect(t *testing.T, identity Identity) *websocket.Conn {
	t.Helper()
	conn := s.dial(t)
	emit(t, conn, EventRegister, RegisterPayload{Identity: identity})
	for {
		var status UserStatusEvent
		waitFor(t, conn, EventUserStatus, &status)
		if status.Identity == identity && status.Status == StatusOnline {
			return conn
		}
	}
}

func (s *testServer) request(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: event, Data: data}))
}

// waitFor reads frames until one named event arrives, skipping the rest.
func waitFor(t *testing.T, conn *websocket.Conn, event string, dst any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if dst != nil {
			require.NoError(t, json.Unmarshal(env.Data, dst))
		}
		return
	}
}

func TestHub_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.connect(t, "alice@example.com")
	bob := srv.connect(t, "bob@example.com")

	// contact handshake
	emit(t, alice, EventSendContactRequest, ContactRequestPayload{From: "alice@example.com", To: "bob@example.com"})
	var incoming FromEvent
	waitFor(t, bob, EventNewContactRequest, &incoming)
	require.Equal(t, Identity("alice@example.com"), incoming.From)

	emit(t, alice, EventSendContactRequest, ContactRequestPayload{From: "alice@example.com", To: "bob@example.com"})
	var reqErr ErrorEvent
	waitFor(t, alice, EventRequestError, &reqErr)
	require.Equal(t, "Already sent or contacts", reqErr.Message)

	emit(t, bob, EventAcceptContactRequest, ContactDecisionPayload{User: "bob@example.com", From: "alice@example.com"})
	var acceptedFrom FromEvent
	waitFor(t, bob, EventContactRequestAccepted, &acceptedFrom)
	require.Equal(t, Identity("alice@example.com"), acceptedFrom.From)
	var acceptedBy UserEvent
	waitFor(t, alice, EventContactRequestAccepted, &acceptedBy)
	require.Equal(t, Identity("bob@example.com"), acceptedBy.User)

	// message delivery
	emit(t, alice, EventChatMessage, MessagePayload{Sender: "alice@example.com", Receiver: "bob@example.com", Text: "hi"})
	var echoed, delivered Message
	waitFor(t, alice, EventChatMessage, &echoed)
	waitFor(t, bob, EventChatMessage, &delivered)
	require.Equal(t, echoed.ID, delivered.ID)
	require.Equal(t, []Identity{"alice@example.com"}, delivered.ReadBy)

	// read receipt
	emit(t, bob, EventMessageRead, MessageReadPayload{MessageID: delivered.ID, Reader: "bob@example.com"})
	var receipt ReadReceiptEvent
	waitFor(t, alice, EventMessageReadReceipt, &receipt)
	require.Equal(t, ReadReceiptEvent{MessageID: delivered.ID, Reader: "bob@example.com"}, receipt)

	// history and contacts over HTTP
	res := srv.request(t, http.MethodGet, "/api/chat/alice@example.com", "bob@example.com", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var history []Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, []Identity{"alice@example.com", "bob@example.com"}, history[0].ReadBy)

	res = srv.request(t, http.MethodGet, "/api/contacts", "alice@example.com", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var state ContactState
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	require.Equal(t, []Identity{"bob@example.com"}, state.Contacts)
	require.Empty(t, state.Sent)

	// disconnect broadcasts offline
	require.NoError(t, bob.Close())
	for {
		var status UserStatusEvent
		waitFor(t, alice, EventUserStatus, &status)
		if status.Identity == "bob@example.com" {
			require.Equal(t, StatusOffline, status.Status)
			break
		}
	}

	res = srv.request(t, http.MethodGet, "/api/presence/bob@example.com", "alice@example.com", nil, "")
	var presence UserStatusEvent
	require.NoError(t, json.NewDecoder(res.Body).Decode(&presence))
	require.Equal(t, StatusOffline, presence.Status)
}

func TestHub_SendMessageEventRepliesWithReceiveMessage(t *testing.T) {
	srv := newTestServer(t)
	u1 := srv.connect(t, "u1")

	emit(t, u1, EventSendMessage, MessagePayload{Sender: "u1", Receiver: "u2", Text: "offline hello"})
	var echoed Message
	waitFor(t, u1, EventReceiveMessage, &echoed)
	require.Equal(t, "offline hello", echoed.Text)

	// u2 joins later and finds the message in history
	srv.connect(t, "u2")
	res := srv.request(t, http.MethodGet, "/api/chat/u1", "u2", nil, "")
	var history []Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Equal(t, []Identity{"u1"}, history[0].ReadBy)
}

func TestHub_RejectsBadFrames(t *testing.T) {
	srv := newTestServer(t)
	conn := srv.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var errEvent ErrorEvent
	waitFor(t, conn, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "validation failed")

	emit(t, conn, "dance", map[string]string{})
	waitFor(t, conn, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "unknown event")

	emit(t, conn, EventRegister, RegisterPayload{})
	waitFor(t, conn, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "validation failed")

	emit(t, conn, EventChatMessage, MessagePayload{Sender: "u1", Receiver: "u2"})
	waitFor(t, conn, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "Text")

	emit(t, conn, EventSendContactRequest, ContactRequestPayload{From: "u1", To: "u1"})
	waitFor(t, conn, EventRequestError, &errEvent)
	require.Contains(t, errEvent.Message, "To")

	// an unknown message id is swallowed: the next event is answered normally
	emit(t, conn, EventMessageRead, MessageReadPayload{MessageID: "missing", Reader: "u1"})
	require.NoError(t, conn.WriteJSON(Envelope{Event: EventRegister, Data: json.RawMessage(`"carol"`)}))
	var status UserStatusEvent
	waitFor(t, conn, EventUserStatus, &status)
	require.Equal(t, UserStatusEvent{Identity: "carol", Status: StatusOnline}, status)
}

func TestHandler_SendMessageOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	bob := srv.connect(t, "bob")

	body, _ := json.Marshal(map[string]string{"receiverId": "bob", "text": "via http"})
	res := srv.request(t, http.MethodPost, "/api/chat/send", "alice", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var saved Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&saved))
	require.Equal(t, Identity("alice"), saved.Sender)
	require.Equal(t, []Identity{"alice"}, saved.ReadBy)

	var delivered Message
	waitFor(t, bob, EventReceiveMessage, &delivered)
	require.Equal(t, saved.ID, delivered.ID)

	res = srv.request(t, http.MethodPost, "/api/chat/read/"+saved.ID, "bob", nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)

	res = srv.request(t, http.MethodPost, "/api/chat/read/unknown", "bob", nil, "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	var msg map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&msg))
	require.Equal(t, "Message not found", msg["message"])

	empty, _ := json.Marshal(map[string]string{"receiverId": "bob"})
	res = srv.request(t, http.MethodPost, "/api/chat/send", "alice", bytes.NewReader(empty), "application/json")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHandler_SendMessageWithFile(t *testing.T) {
	srv := newTestServer(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("receiverId", "bob"))
	part, err := form.CreateFormFile("file", "dot.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n"))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	res := srv.request(t, http.MethodPost, "/api/chat/send", "alice", &buf, form.FormDataContentType())
	require.Equal(t, http.StatusOK, res.StatusCode)
	var saved Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&saved))
	require.Equal(t, "file-1", saved.FileID)
	require.Equal(t, "image/png", saved.FileType)
	require.Equal(t, []string{"dot.png"}, srv.files.names)
}

func TestHub_DoAfterShutdown(t *testing.T) {
	hub := NewHub(&memStore{}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()

	var online bool
	require.NoError(t, hub.Do(context.Background(), func(s *Service) {
		require.NoError(t, s.Register("c1", "alice"))
		online = s.IsOnline("alice")
	}))
	require.True(t, online)

	cancel()
	<-stopped
	require.ErrorIs(t, hub.Do(context.Background(), func(*Service) {}), ErrHubClosed)
	require.False(t, hub.service.IsOnline("alice"))
}

// loopRelay hands every published frame straight back to the listener.
type loopRelay struct {
	frames chan []byte
	fail   bool
}

func (l *loopRelay) Publish(_ context.Context, frame []byte) error {
	if l.fail {
		return errors.New("bus down")
	}
	l.frames <- frame
	return nil
}

func (l *loopRelay) Listen(ctx context.Context, deliver func([]byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-l.frames:
			deliver(frame)
		}
	}
}

func TestHub_BroadcastsThroughRelay(t *testing.T) {
	for _, fail := range []bool{false, true} {
		relay := &loopRelay{frames: make(chan []byte, 8), fail: fail}
		hub := NewHub(&memStore{}, relay, discardLogger())
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			hub.Run(ctx)
		}()

		// a fake client that only has a send buffer
		client := &Client{id: "c1", hub: hub, send: make(chan []byte, sendBuffer)}
		hub.register <- client
		require.NoError(t, hub.Do(context.Background(), func(s *Service) {
			require.NoError(t, s.Register("c1", "alice"))
		}))

		select {
		case frame := <-client.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			require.Equal(t, EventUserStatus, env.Event)
		case <-time.After(3 * time.Second):
			t.Fatalf("no broadcast delivered (relay failing=%v)", fail)
		}

		cancel()
		<-stopped
	}
}

// stuckRelay never finishes a publish until its context ends.
type stuckRelay struct {
	publishing chan struct{}
}

func (r *stuckRelay) Publish(ctx context.Context, _ []byte) error {
	select {
	case r.publishing <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *stuckRelay) Listen(ctx context.Context, _ func([]byte)) {
	<-ctx.Done()
}

func TestHub_SlowRelayDoesNotStallDispatch(t *testing.T) {
	relay := &stuckRelay{publishing: make(chan struct{}, 1)}
	hub := NewHub(&memStore{}, relay, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	require.NoError(t, hub.Do(context.Background(), func(s *Service) {
		require.NoError(t, s.Register("c1", "alice"))
	}))
	select {
	case <-relay.publishing:
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast never reached the relay")
	}

	// the relay is still blocked; the loop must keep serving calls
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	var online bool
	require.NoError(t, hub.Do(callCtx, func(s *Service) {
		online = s.IsOnline("alice")
	}))
	require.True(t, online)
}

func TestHub_ContactEventsMustComeFromTheRegisteredIdentity(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.connect(t, "alice")
	bob := srv.connect(t, "bob")
	stranger := srv.dial(t)

	// an unregistered connection cannot send on anyone's behalf
	emit(t, stranger, EventSendContactRequest, ContactRequestPayload{From: "carol", To: "bob"})
	var reqErr ErrorEvent
	waitFor(t, stranger, EventRequestError, &reqErr)
	require.Contains(t, reqErr.Message, "register before acting as carol")

	// bob cannot send a request that claims to be from alice
	emit(t, bob, EventSendContactRequest, ContactRequestPayload{From: "alice", To: "bob"})
	waitFor(t, bob, EventRequestError, &reqErr)
	require.Contains(t, reqErr.Message, "registered as bob, not alice")

	emit(t, alice, EventSendContactRequest, ContactRequestPayload{From: "alice", To: "bob"})
	waitFor(t, bob, EventNewContactRequest, nil)

	// alice cannot accept her own request on bob's behalf
	emit(t, alice, EventAcceptContactRequest, ContactDecisionPayload{User: "bob", From: "alice"})
	var errEvent ErrorEvent
	waitFor(t, alice, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "registered as alice, not bob")

	emit(t, alice, EventRejectContactRequest, ContactDecisionPayload{User: "bob", From: "alice"})
	waitFor(t, alice, EventError, &errEvent)
	require.Contains(t, errEvent.Message, "registered as alice, not bob")

	res := srv.request(t, http.MethodGet, "/api/contacts", "bob", nil, "")
	var state ContactState
	require.NoError(t, json.NewDecoder(res.Body).Decode(&state))
	require.Equal(t, []Identity{"alice"}, state.Pending)
	require.Empty(t, state.Contacts)
}

func TestHub_ChatMessageWithEpochMillisTimestamp(t *testing.T) {
	srv := newTestServer(t)
	u1 := srv.connect(t, "u1")

	emit(t, u1, EventChatMessage, map[string]any{
		"sender":    "u1",
		"receiver":  "u2",
		"text":      "sent from a browser",
		"timestamp": int64(1700000000000),
	})
	var echoed Message
	waitFor(t, u1, EventChatMessage, &echoed)
	require.True(t, time.UnixMilli(1700000000000).Equal(echoed.Timestamp), "got %s", echoed.Timestamp)

	res := srv.request(t, http.MethodGet, "/api/chat/u2", "u1", nil, "")
	var history []Message
	require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
	require.Len(t, history, 1)
	require.True(t, time.UnixMilli(1700000000000).Equal(history[0].Timestamp))
}
