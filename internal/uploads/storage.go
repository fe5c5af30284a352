package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

var (
	ErrNotFound      = errors.New("stored file not found")
	ErrInvalidPath   = errors.New("invalid storage path")
	ErrNoPublicURL   = errors.New("disk has no public url")
	ErrUnknownDisk   = errors.New("unknown disk")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Storage is a blob store addressed by slash separated paths.
type Storage interface {
	// Put stores the whole body or nothing.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(ctx context.Context, key string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete returns ErrNotFound when nothing is stored under key.
	Delete(ctx context.Context, key string) error
}

// WriteError wraps a failed Put.
type WriteError struct {
	Disk string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %q to disk %q: %v", e.Path, e.Disk, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// URLSigner issues the token appended to links of disks with sign_urls.
type URLSigner interface {
	Sign(disk, key string) (string, error)
}

// Links builds public URLs for drivers that have no native URL scheme.
type Links struct {
	Disk    string
	BaseURL string
	Signer  URLSigner
}

func (l Links) URL(key string) (string, error) {
	if strings.TrimSpace(l.BaseURL) == "" {
		return "", ErrNoPublicURL
	}
	link, err := url.JoinPath(l.BaseURL, strings.Split(key, "/")...)
	if err != nil {
		return "", fmt.Errorf("building url: %w", err)
	}
	if l.Signer == nil {
		return link, nil
	}
	token, err := l.Signer.Sign(l.Disk, key)
	if err != nil {
		return "", fmt.Errorf("signing url: %w", err)
	}
	return link + "?token=" + url.QueryEscape(token), nil
}

// CleanPath normalizes key into a relative slash path that cannot climb out
// of the disk root.
func CleanPath(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	cleaned := strings.TrimPrefix(path.Clean("/"+key), "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("%q: %w", key, ErrInvalidPath)
	}
	return cleaned, nil
}
