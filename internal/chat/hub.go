package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrHubClosed = errors.New("hub closed")

var errMalformedFrame = fmt.Errorf("%w: frames must look like {\"event\": name, \"data\": payload}", ErrValidation)

const (
	storeTimeout  = 5 * time.Second
	publishBuffer = 256
)

type inbound struct {
	conn     ConnID
	envelope Envelope
	err      error // set when the frame could not be decoded
}

type call struct {
	fn   func(*Service)
	done chan struct{}
}

// Hub is the single dispatch loop. Run is the only goroutine that touches
// clients or the Service, so every event runs to completion before the next.
type Hub struct {
	clients    map[ConnID]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	calls      chan call
	broadcast  chan []byte // relayed frames for every local client
	publish    chan []byte // frames waiting for the relay
	done       chan struct{}

	service  *Service
	relay    Relay
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHub builds a hub around store. relay may be nil, in which case broadcasts
// only reach clients of this process.
func NewHub(store MessageStore, relay Relay, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		calls:      make(chan call),
		broadcast:  make(chan []byte, 64),
		publish:    make(chan []byte, publishBuffer),
		done:       make(chan struct{}),
		relay:      relay,
		validate:   validator.New(),
		logger:     logger,
	}
	h.service = NewService(store, h, logger)
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	if h.relay != nil {
		go h.relay.Listen(ctx, func(frame []byte) {
			select {
			case h.broadcast <- frame:
			case <-ctx.Done():
			}
		})
		go h.publishLoop(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client.id] = client

		case client := <-h.unregister:
			h.drop(client)

		case in := <-h.inbound:
			if _, ok := h.clients[in.conn]; ok {
				h.dispatch(ctx, in)
			}

		case c := <-h.calls:
			c.fn(h.service)
			close(c.done)

		case frame := <-h.broadcast:
			h.deliverAll(frame)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
	h.service.Close()
	h.logger.Info("hub stopped")
}

// Do runs fn on the dispatch goroutine and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func(*Service)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case h.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	<-c.done
	return nil
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client.id]; !ok {
		return
	}
	delete(h.clients, client.id)
	close(client.send)
	h.service.Disconnect(client.id)
}

// Send implements Notifier.
func (h *Hub) Send(conn ConnID, event string, payload any) {
	client, ok := h.clients[conn]
	if !ok {
		return
	}
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encoding event", "event", event, "error", err)
		return
	}
	h.enqueue(client, frame)
}

// Broadcast implements Notifier.
func (h *Hub) Broadcast(event string, payload any) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("encoding event", "event", event, "error", err)
		return
	}
	if h.relay != nil {
		select {
		case h.publish <- frame:
			return
		default:
			h.logger.Warn("relay queue full, delivering locally", "event", event)
		}
	}
	h.deliverAll(frame)
}

// publishLoop hands queued frames to the relay off the dispatch goroutine.
// A frame the relay refuses is delivered to local clients only.
func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-h.publish:
			pubCtx, cancel := context.WithTimeout(ctx, storeTimeout)
			err := h.relay.Publish(pubCtx, frame)
			cancel()
			if err == nil {
				continue
			}
			h.logger.Error("relay publish failed, delivering locally", "error", err)
			select {
			case h.broadcast <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) deliverAll(frame []byte) {
	for _, client := range h.clients {
		h.enqueue(client, frame)
	}
}

// enqueue never blocks the loop; a client whose buffer is full is dropped.
func (h *Hub) enqueue(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		h.logger.Warn("send buffer full, dropping client", "conn", client.id)
		h.drop(client)
	}
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func (h *Hub) decode(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrValidation, env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrValidation, env.Event, err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	conn, env := in.conn, in.envelope
	err := in.err
	if err == nil {
		err = h.handle(ctx, conn, env)
	}
	if err != nil {
		h.logger.Debug("event rejected", "event", env.Event, "conn", conn, "error", err)
		h.Send(conn, EventError, ErrorEvent{Message: err.Error()})
	}
}

// handle processes one inbound event. Errors it returns are reported back to
// the originating connection.
func (h *Hub) handle(ctx context.Context, conn ConnID, env Envelope) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	switch env.Event {
	case EventRegister:
		var p RegisterPayload
		if err := h.decodeRegister(env, &p); err != nil {
			return err
		}
		return h.service.Register(conn, p.Identity)

	case EventSendContactRequest:
		var p ContactRequestPayload
		err := h.decode(env, &p)
		if err == nil {
			err = h.service.Authorize(conn, p.From)
		}
		if err != nil {
			h.Send(conn, EventRequestError, ErrorEvent{Message: err.Error()})
			return nil
		}
		// requestError has already been sent to conn
		_ = h.service.SendContactRequest(conn, p.From, p.To)
		return nil

	case EventAcceptContactRequest:
		var p ContactDecisionPayload
		if err := h.decode(env, &p); err != nil {
			return err
		}
		if err := h.service.Authorize(conn, p.User); err != nil {
			return err
		}
		h.service.AcceptContactRequest(p.User, p.From)
		return nil

	case EventRejectContactRequest:
		var p ContactDecisionPayload
		if err := h.decode(env, &p); err != nil {
			return err
		}
		if err := h.service.Authorize(conn, p.User); err != nil {
			return err
		}
		h.service.RejectContactRequest(p.User, p.From)
		return nil

	case EventSendMessage, EventChatMessage:
		var p MessagePayload
		if err := h.decode(env, &p); err != nil {
			return err
		}
		reply := EventChatMessage
		if env.Event == EventSendMessage {
			reply = EventReceiveMessage
		}
		_, err := h.service.SendMessage(storeCtx, conn, reply, p.toNewMessage())
		return err

	case EventMessageRead:
		var p MessageReadPayload
		if err := h.decode(env, &p); err != nil {
			return err
		}
		err := h.service.MarkRead(storeCtx, p.MessageID, p.Reader)
		if errors.Is(err, ErrNotFound) {
			h.logger.Debug("read receipt for unknown message", "message_id", p.MessageID)
			return nil
		}
		return err

	default:
		return fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event)
	}
}

// decodeRegister accepts both {"identity": "..."} and a bare JSON string.
func (h *Hub) decodeRegister(env Envelope, p *RegisterPayload) error {
	var bare string
	if err := json.Unmarshal(env.Data, &bare); err == nil {
		p.Identity = Identity(bare)
		if p.Identity == "" {
			return fmt.Errorf("%w: identity is required", ErrValidation)
		}
		return nil
	}
	return h.decode(env, p)
}
