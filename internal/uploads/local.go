package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type LocalStorage struct {
	baseDir string
	links   Links
}

func NewLocal(baseDir string, links Links) *LocalStorage {
	return &LocalStorage{baseDir: baseDir, links: links}
}

// Put writes to a temp file next to the target and renames it into place,
// so readers never see a partial file.
func (l *LocalStorage) Put(ctx context.Context, key string, body io.Reader, _ string) error {
	target, err := l.pathForKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	committed = true
	return nil
}

func (l *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	target, err := l.pathForKey(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (l *LocalStorage) URL(_ context.Context, key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	return l.links.URL(cleaned)
}

func (l *LocalStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := l.pathForKey(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return file, nil
}

func (l *LocalStorage) Delete(_ context.Context, key string) error {
	target, err := l.pathForKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return err
	}
	return nil
}

func (l *LocalStorage) pathForKey(key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(cleaned)), nil
}
