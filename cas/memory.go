package cas

import (
	"context"
	"strings"
	"sync"
	"time"

	"storagegate/provider"
)

// MemoryRecorder keeps records in process. It backs tests and single-node
// setups without a database.
type MemoryRecorder struct {
	mu       sync.RWMutex
	records  map[string]Record
	versions map[string][]Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: map[string]Record{}, versions: map[string][]Record{}}
}

func (m *MemoryRecorder) Commit(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Kind == "" {
		rec.Kind = provider.KindFile
	}
	if rec.Modified.IsZero() {
		rec.Modified = time.Now().UTC()
	}
	existing, found := m.records[rec.Name]
	rec.Version = existing.Version + 1
	m.records[rec.Name] = rec
	m.versions[rec.Name] = append(m.versions[rec.Name], rec)
	return !found, nil
}

func (m *MemoryRecorder) Lookup(_ context.Context, name string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

func (m *MemoryRecorder) List(_ context.Context, folder string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r)
	}
	children, exists := directChildren(folder, all)
	if !exists {
		return nil, ErrRecordNotFound
	}
	return children, nil
}

func (m *MemoryRecorder) Versions(_ context.Context, name string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.versions[name]
	if len(history) == 0 {
		return nil, ErrRecordNotFound
	}
	out := make([]Record, len(history))
	for i, r := range history {
		out[len(history)-1-i] = r
	}
	return out, nil
}

func (m *MemoryRecorder) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for n := range m.records {
		if n == name || (strings.HasSuffix(name, "/") && strings.HasPrefix(n, name)) {
			delete(m.records, n)
			delete(m.versions, n)
			removed++
		}
	}
	if removed == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (m *MemoryRecorder) MakeFolder(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n := range m.records {
		if strings.HasPrefix(n, name) {
			return ErrRecordExists
		}
	}
	m.records[name] = Record{Name: name, Kind: provider.KindFolder, Modified: time.Now().UTC()}
	return nil
}
