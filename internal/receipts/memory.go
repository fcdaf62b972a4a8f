package receipts

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory keeps receipts in process. Used for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]File
	baseURL string
	now     func() time.Time
}

func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://receipts"
	}
	return &Memory{
		objects: make(map[string]File),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

func (m *Memory) Store(ctx context.Context, f File, ownerID string) (string, error) {
	if err := validate(f, ownerID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := ObjectKey(ownerID, f.Name, m.now())
	m.mu.Lock()
	m.objects[key] = File{Name: f.Name, ContentType: contentType(f), Data: append([]byte(nil), f.Data...)}
	m.mu.Unlock()
	return m.baseURL + "/" + key, nil
}

// Object returns a stored receipt by key.
func (m *Memory) Object(key string) (File, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.objects[key]
	return f, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
