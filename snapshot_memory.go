package cagg

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
)

// MemorySnapshotBackend keeps snapshots in memory. Useful for tests and
// for exporting state within a process.
type MemorySnapshotBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySnapshotBackend creates an in-memory snapshot backend.
func NewMemorySnapshotBackend() *MemorySnapshotBackend {
	return &MemorySnapshotBackend{data: make(map[string][]byte)}
}

func (m *MemorySnapshotBackend) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemorySnapshotBackend) Write(ctx context.Context, key string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	m.mu.Lock()
	m.data[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshotBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemorySnapshotBackend) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemorySnapshotBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemorySnapshotBackend) Close() error {
	return nil
}
