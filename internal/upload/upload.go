package upload

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"galaxy-chat/internal/db"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("file not found")
	ErrTooLarge = errors.New("file too large")
	ErrEmpty    = errors.New("file is empty")
)

type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service keeps uploaded attachments in the files table.
type Service struct {
	db      *db.Database
	maxSize int64
}

func NewService(database *db.Database, maxSize int64) *Service {
	return &Service{db: database, maxSize: maxSize}
}

// Save reads at most maxSize bytes from r, detects the content type from the
// bytes themselves and stores the file under a fresh id.
func (s *Service) Save(ctx context.Context, name string, r io.Reader) (string, string, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return "", "", fmt.Errorf("reading upload: %w", err)
	}
	if len(data) == 0 {
		return "", "", ErrEmpty
	}
	if int64(len(data)) > s.maxSize {
		return "", "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
	}

	f := &File{
		ID:       uuid.NewString(),
		Name:     name,
		MimeType: mimetype.Detect(data).String(),
		Size:     int64(len(data)),
		Data:     data,
	}

	query := s.db.Rebind("INSERT INTO files (id, name, mime_type, size, data) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.Conn.ExecContext(ctx, query, f.ID, f.Name, f.MimeType, f.Size, f.Data); err != nil {
		return "", "", fmt.Errorf("storing upload: %w", err)
	}
	return f.ID, f.MimeType, nil
}

func (s *Service) Open(ctx context.Context, id string) (*File, error) {
	f := &File{}
	query := s.db.Rebind("SELECT id, name, mime_type, size, data, created_at FROM files WHERE id = ?")
	err := s.db.Conn.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.Name, &f.MimeType, &f.Size, &f.Data, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Reader exposes the stored bytes for streaming responses.
func (f *File) Reader() io.ReadSeeker {
	return bytes.NewReader(f.Data)
}
