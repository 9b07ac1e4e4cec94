package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore keeps messages in memory. FindByID hands out copies, so a change
// is only visible to later loads after Save.
type memStore struct {
	messages  []*Message
	createErr error
	findErr   error
	saveErr   error
	saves     int
}

func (s *memStore) Create(_ context.Context, in NewMessage) (*Message, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    in.Sender,
		Receiver:  in.Receiver,
		GroupID:   in.GroupID,
		Text:      in.Text,
		FileID:    in.FileID,
		FileType:  in.FileType,
		Timestamp: in.Timestamp,
		ReadBy:    []Identity{in.Sender},
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	return copyMessage(msg), nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*Message, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, m := range s.messages {
		if m.ID == id {
			return copyMessage(m), nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
}

func (s *memStore) Save(_ context.Context, msg *Message) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, m := range s.messages {
		if m.ID == msg.ID {
			m.ReadBy = slices.Clone(msg.ReadBy)
			s.saves++
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
}

func (s *memStore) FindConversation(_ context.Context, a, b Identity) ([]*Message, error) {
	out := []*Message{}
	for _, m := range s.messages {
		if (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a) {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func copyMessage(m *Message) *Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	return &c
}

type sentEvent struct {
	conn    ConnID
	event   string
	payload any
}

type recordingNotifier struct {
	sent       []sentEvent
	broadcasts []sentEvent
}

func (n *recordingNotifier) Send(conn ConnID, event string, payload any) {
	n.sent = append(n.sent, sentEvent{conn: conn, event: event, payload: payload})
}

func (n *recordingNotifier) Broadcast(event string, payload any) {
	n.broadcasts = append(n.broadcasts, sentEvent{event: event, payload: payload})
}

func (n *recordingNotifier) to(conn ConnID) []sentEvent {
	var out []sentEvent
	for _, e := range n.sent {
		if e.conn == conn {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.sent = nil
	n.broadcasts = nil
}
