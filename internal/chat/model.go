package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Identity names a user across presence, contacts and messaging (the email).
// Matching is exact; no case folding or trimming happens anywhere.
type Identity string

// ConnID is the handle of one live socket connection.
type ConnID string

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Message struct {
	ID        string     `json:"id"`
	Sender    Identity   `json:"sender"`
	Receiver  Identity   `json:"receiver,omitempty"`
	GroupID   string     `json:"groupId,omitempty"`
	Text      string     `json:"text,omitempty"`
	FileID    string     `json:"fileId,omitempty"`
	FileType  string     `json:"fileType,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	ReadBy    []Identity `json:"readBy"`
}

// HasRead reports whether reader is already in ReadBy.
func (m *Message) HasRead(reader Identity) bool {
	return lo.Contains(m.ReadBy, reader)
}

// MarkRead appends reader to ReadBy once. It returns false when the reader was
// already present.
func (m *Message) MarkRead(reader Identity) bool {
	if m.HasRead(reader) {
		return false
	}
	m.ReadBy = append(m.ReadBy, reader)
	return true
}

// NewMessage holds the fields a client supplies for a message; the store
// assigns the id.
type NewMessage struct {
	Sender    Identity
	Receiver  Identity
	GroupID   string
	Text      string
	FileID    string
	FileType  string
	Timestamp time.Time
}

// ContactState is a point-in-time copy of one identity's contact sets.
type ContactState struct {
	Sent     []Identity `json:"sent"`
	Pending  []Identity `json:"pending"`
	Contacts []Identity `json:"contacts"`
}

// ---------------------------------------------
// Wire Models
// ---------------------------------------------

// Event names, inbound and outbound.
const (
	EventRegister             = "register"
	EventSendContactRequest   = "sendContactRequest"
	EventAcceptContactRequest = "acceptContactRequest"
	EventRejectContactRequest = "rejectContactRequest"
	EventSendMessage          = "sendMessage"
	EventChatMessage          = "chatMessage"
	EventMessageRead          = "messageRead"

	EventUserStatus             = "userStatus"
	EventNewContactRequest      = "newContactRequest"
	EventRequestError           = "requestError"
	EventContactRequestAccepted = "contactRequestAccepted"
	EventContactRequestRejected = "contactRequestRejected"
	EventReceiveMessage         = "receiveMessage"
	EventMessageReadReceipt     = "messageReadReceipt"
	EventError                  = "error"
)

// Envelope is the JSON frame exchanged over the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload struct {
	Identity Identity `json:"identity" validate:"required"`
}

type ContactRequestPayload struct {
	From Identity `json:"from" validate:"required"`
	To   Identity `json:"to" validate:"required,nefield=From"`
}

type ContactDecisionPayload struct {
	User Identity `json:"user" validate:"required"`
	From Identity `json:"from" validate:"required,nefield=User"`
}

type MessagePayload struct {
	Sender    Identity  `json:"sender" validate:"required"`
	Receiver  Identity  `json:"receiver"`
	GroupID   string    `json:"groupId"`
	Text      string    `json:"text" validate:"required_without=FileID"`
	FileID    string    `json:"fileId"`
	FileType  string    `json:"fileType" validate:"required_with=FileID"`
	Timestamp Timestamp `json:"timestamp"`
}

func (p MessagePayload) toNewMessage() NewMessage {
	return NewMessage{
		Sender:    p.Sender,
		Receiver:  p.Receiver,
		GroupID:   p.GroupID,
		Text:      p.Text,
		FileID:    p.FileID,
		FileType:  p.FileType,
		Timestamp: p.Timestamp.Time,
	}
}

// Timestamp is a client-supplied send time: an RFC 3339 string or a number of
// milliseconds since the Unix epoch. Null and "" leave it zero.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}

	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("timestamp must be an RFC 3339 string or epoch milliseconds: %w", err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

type MessageReadPayload struct {
	MessageID string   `json:"messageId" validate:"required"`
	Reader    Identity `json:"reader" validate:"required"`
}

type UserStatusEvent struct {
	Identity Identity `json:"identity"`
	Status   Status   `json:"status"`
}

type FromEvent struct {
	From Identity `json:"from"`
}

type UserEvent struct {
	User Identity `json:"user"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type ReadReceiptEvent struct {
	MessageID string   `json:"messageId"`
	Reader    Identity `json:"reader"`
}
