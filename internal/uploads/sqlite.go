package uploads

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/matthewgall/uploader/internal/db"
)

// SQLiteStorage keeps blobs in the blobs table of a sqlite database.
type SQLiteStorage struct {
	db    *db.DB
	links Links
}

func NewSQLite(path string, links Links) (*SQLiteStorage, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: database, links: links}, nil
}

func (s *SQLiteStorage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	cleaned, err := CleanPath(key)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO blobs (path, content, content_type, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = excluded.content,
			content_type = excluded.content_type,
			size = excluded.size
	`, cleaned, content, contentType, len(content))
	if err != nil {
		return fmt.Errorf("storing blob: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Exists(ctx context.Context, key string) (bool, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.Conn().QueryRowContext(ctx, "SELECT 1 FROM blobs WHERE path = ?", cleaned).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying blob: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) URL(_ context.Context, key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	return s.links.URL(cleaned)
}

func (s *SQLiteStorage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return nil, err
	}
	var content []byte
	err = s.db.Conn().QueryRowContext(ctx, "SELECT content FROM blobs WHERE path = ?", cleaned).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	cleaned, err := CleanPath(key)
	if err != nil {
		return err
	}
	result, err := s.db.Conn().ExecContext(ctx, "DELETE FROM blobs WHERE path = ?", cleaned)
	if err != nil {
		return fmt.Errorf("deleting blob: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
