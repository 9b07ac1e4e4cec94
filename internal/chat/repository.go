package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"galaxy-chat/internal/db"

	"github.com/google/uuid"
)

// MessageStore is the durable message log the Service depends on.
type MessageStore interface {
	Create(ctx context.Context, msg NewMessage) (*Message, error)
	FindByID(ctx context.Context, id string) (*Message, error)
	// Save persists readers added to msg.ReadBy since it was loaded.
	Save(ctx context.Context, msg *Message) error
	// FindConversation returns messages exchanged between a and b in insertion order.
	FindConversation(ctx context.Context, a, b Identity) ([]*Message, error)
}

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) Create(ctx context.Context, in NewMessage) (*Message, error) {
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
	msg.Timestamp = msg.Timestamp.UTC()

	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := r.db.Rebind(`
		INSERT INTO messages (id, sender, receiver, group_id, text, file_id, file_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		msg.ID, string(msg.Sender), nullable(string(msg.Receiver)), nullable(msg.GroupID),
		nullable(msg.Text), nullable(msg.FileID), nullable(msg.FileType), msg.Timestamp)
	if err != nil {
		return nil, err
	}

	query = r.db.Rebind("INSERT INTO message_reads (message_id, reader, position) VALUES (?, ?, ?)")
	if _, err := tx.ExecContext(ctx, query, msg.ID, string(msg.Sender), 0); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (*Message, error) {
	query := r.db.Rebind(`
		SELECT id, sender, receiver, group_id, text, file_id, file_type, created_at
		FROM messages WHERE id = ?`)
	msg, err := scanMessage(r.db.Conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	readers, err := r.readers(ctx, []string{msg.ID})
	if err != nil {
		return nil, err
	}
	msg.ReadBy = readers[msg.ID]
	return msg, nil
}

func (r *Repository) Save(ctx context.Context, msg *Message) error {
	tx, err := r.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// readBy only grows, so existing rows are left untouched
	query := r.db.Rebind(`
		INSERT INTO message_reads (message_id, reader, position) VALUES (?, ?, ?)
		ON CONFLICT (message_id, reader) DO NOTHING`)
	for i, reader := range msg.ReadBy {
		if _, err := tx.ExecContext(ctx, query, msg.ID, string(reader), i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) FindConversation(ctx context.Context, a, b Identity) ([]*Message, error) {
	query := r.db.Rebind(`
		SELECT id, sender, receiver, group_id, text, file_id, file_type, created_at
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY seq ASC`)
	rows, err := r.db.Conn.QueryContext(ctx, query, string(a), string(b), string(b), string(a))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*Message{}
	var ids []string
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// release the connection before the follow-up queries
	rows.Close()

	readers, err := r.readers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		msg.ReadBy = readers[msg.ID]
	}
	return messages, nil
}

func (r *Repository) readers(ctx context.Context, ids []string) (map[string][]Identity, error) {
	out := make(map[string][]Identity, len(ids))
	query := r.db.Rebind("SELECT reader FROM message_reads WHERE message_id = ? ORDER BY position ASC")
	for _, id := range ids {
		rows, err := r.db.Conn.QueryContext(ctx, query, id)
		if err != nil {
			return nil, err
		}
		readBy := []Identity{}
		for rows.Next() {
			var reader string
			if err := rows.Scan(&reader); err != nil {
				rows.Close()
				return nil, err
			}
			readBy = append(readBy, Identity(reader))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		out[id] = readBy
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg                                       Message
		sender                                    string
		receiver, groupID, text, fileID, fileType sql.NullString
	)
	if err := row.Scan(&msg.ID, &sender, &receiver, &groupID, &text, &fileID, &fileType, &msg.Timestamp); err != nil {
		return nil, err
	}
	msg.Sender = Identity(sender)
	msg.Receiver = Identity(receiver.String)
	msg.GroupID = groupID.String
	msg.Text = text.String
	msg.FileID = fileID.String
	msg.FileType = fileType.String
	return &msg, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
