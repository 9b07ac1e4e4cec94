package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Notifier delivers outbound events to live connections. Send is a no-op for a
// connection that is gone.
type Notifier interface {
	Send(conn ConnID, event string, payload any)
	Broadcast(event string, payload any)
}

// Service owns presence and the contact graph and drives every chat flow.
// All methods must be called from a single goroutine (the Hub's dispatch loop,
// or a test).
type Service struct {
	presence *Presence
	contacts *Contacts
	store    MessageStore
	notifier Notifier
	logger   *slog.Logger
}

func NewService(store MessageStore, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		presence: NewPresence(),
		contacts: NewContacts(),
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// notify emits to identity's connection if it is online.
func (s *Service) notify(identity Identity, event string, payload any) {
	if conn, ok := s.presence.Lookup(identity); ok {
		s.notifier.Send(conn, event, payload)
	}
}

func (s *Service) Register(conn ConnID, identity Identity) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrValidation)
	}
	displaced, ok := s.presence.Register(identity, conn)
	if ok {
		s.notifier.Broadcast(EventUserStatus, UserStatusEvent{Identity: displaced, Status: StatusOffline})
	}
	s.contacts.Touch(identity)
	s.logger.Info("user registered", "identity", identity, "conn", conn)
	s.notifier.Broadcast(EventUserStatus, UserStatusEvent{Identity: identity, Status: StatusOnline})
	return nil
}

func (s *Service) Disconnect(conn ConnID) {
	identity, ok := s.presence.RemoveByConnection(conn)
	if !ok {
		return
	}
	s.logger.Info("user disconnected", "identity", identity, "conn", conn)
	s.notifier.Broadcast(EventUserStatus, UserStatusEvent{Identity: identity, Status: StatusOffline})
}

// Authorize fails unless conn is currently registered as identity.
func (s *Service) Authorize(conn ConnID, identity Identity) error {
	bound, ok := s.presence.IdentityOf(conn)
	if !ok {
		return fmt.Errorf("%w: register before acting as %s", ErrValidation, identity)
	}
	if bound != identity {
		return fmt.Errorf("%w: connection is registered as %s, not %s", ErrValidation, bound, identity)
	}
	return nil
}

func (s *Service) IsOnline(identity Identity) bool {
	_, ok := s.presence.Lookup(identity)
	return ok
}

// SendContactRequest records the request and notifies the target. On failure
// the sender's connection gets a requestError and nothing changes.
func (s *Service) SendContactRequest(conn ConnID, from, to Identity) error {
	if err := s.contacts.SendRequest(from, to); err != nil {
		s.notifier.Send(conn, EventRequestError, ErrorEvent{Message: requestErrorMessage(err)})
		return err
	}
	s.notify(to, EventNewContactRequest, FromEvent{From: from})
	return nil
}

func requestErrorMessage(err error) string {
	if errors.Is(err, ErrConflict) {
		return "Already sent or contacts"
	}
	return err.Error()
}

// AcceptContactRequest is a silent no-op when no request from -> user is pending.
func (s *Service) AcceptContactRequest(user, from Identity) {
	if !s.contacts.AcceptRequest(user, from) {
		s.logger.Debug("accept without pending request", "user", user, "from", from)
		return
	}
	s.notify(user, EventContactRequestAccepted, FromEvent{From: from})
	s.notify(from, EventContactRequestAccepted, UserEvent{User: user})
}

func (s *Service) RejectContactRequest(user, from Identity) {
	s.contacts.RejectRequest(user, from)
	s.notify(user, EventContactRequestRejected, FromEvent{From: from})
	s.notify(from, EventContactRequestRejected, UserEvent{User: user})
}

func (s *Service) ContactState(identity Identity) ContactState {
	return s.contacts.State(identity)
}

// SendMessage persists msg and then delivers it under event to the sender's
// connection (skipped when conn is empty) and to the receiver if online.
func (s *Service) SendMessage(ctx context.Context, conn ConnID, event string, in NewMessage) (*Message, error) {
	if in.Sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}
	msg, err := s.store.Create(ctx, in)
	if err != nil {
		s.logger.Error("saving message", "sender", in.Sender, "error", err)
		return nil, fmt.Errorf("%w: message send failed", ErrPersistence)
	}

	if conn != "" {
		s.notifier.Send(conn, event, msg)
	}
	// group fan-out is not implemented; only the direct receiver is reached
	if msg.Receiver != "" {
		if receiverConn, ok := s.presence.Lookup(msg.Receiver); ok && receiverConn != conn {
			s.notifier.Send(receiverConn, event, msg)
		}
	}
	return msg, nil
}

// MarkRead adds reader to the message's readBy and sends the sender a
// receipt. Marking an already-read message does nothing.
func (s *Service) MarkRead(ctx context.Context, messageID string, reader Identity) error {
	msg, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		s.logger.Error("loading message", "message_id", messageID, "error", err)
		return fmt.Errorf("%w: could not update read status", ErrPersistence)
	}

	if !msg.MarkRead(reader) {
		return nil
	}
	if err := s.store.Save(ctx, msg); err != nil {
		s.logger.Error("saving read receipt", "message_id", messageID, "reader", reader, "error", err)
		return fmt.Errorf("%w: could not update read status", ErrPersistence)
	}

	s.notify(msg.Sender, EventMessageReadReceipt, ReadReceiptEvent{MessageID: msg.ID, Reader: reader})
	return nil
}

// Conversation only reads the store and may be called from any goroutine.
func (s *Service) Conversation(ctx context.Context, a, b Identity) ([]*Message, error) {
	messages, err := s.store.FindConversation(ctx, a, b)
	if err != nil {
		s.logger.Error("fetching conversation", "a", a, "b", b, "error", err)
		return nil, fmt.Errorf("%w: error fetching chat", ErrPersistence)
	}
	return messages, nil
}

// Close clears all in-memory state.
func (s *Service) Close() {
	s.presence.Reset()
	s.contacts.Reset()
}
