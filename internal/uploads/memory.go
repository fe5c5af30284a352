package uploads

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

type memoryObject struct {
	content     []byte
	contentType string
}

// MemoryStorage keeps blobs in process memory. Without a base URL it hands
// out memory://<disk>/<path> links.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	links   Links
}

func NewMemory(links Links) *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject), links: links}
}

func (m *MemoryStorage) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	cleaned, err := CleanPath(key)
	if err != nil {
		return err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[cleaned] = memoryObject{content: content, contentType: contentType}
	return nil
}

func (m *MemoryStorage) Exists(_ context.Context, key string) (bool, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[cleaned]
	return ok, nil
}

func (m *MemoryStorage) URL(_ context.Context, key string) (string, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return "", err
	}
	if m.links.BaseURL == "" {
		return fmt.Sprintf("memory://%s/%s", m.links.Disk, cleaned), nil
	}
	return m.links.URL(cleaned)
}

func (m *MemoryStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	cleaned, err := CleanPath(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[cleaned]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.content)), nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	cleaned, err := CleanPath(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[cleaned]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(m.objects, cleaned)
	return nil
}

// Keys lists stored paths in order.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ContentType returns the content type recorded by Put.
func (m *MemoryStorage) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key].contentType
}
