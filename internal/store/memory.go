package store

import (
	"bytes"
	"context"
	"sync"

	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// MemoryStore keeps everything in process memory. Used for ephemeral
// runs and by tests of the packages above the store.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string][]byte
	results  []*types.SurveyResult
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string][]byte)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}
	v, ok := m.settings[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}
	m.settings[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, interfaces.ErrStoreClosed
	}
	current, ok := m.settings[key]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, prev) {
		return false, nil
	}
	m.settings[key] = append([]byte(nil), next...)
	return true, nil
}

func (m *MemoryStore) Append(ctx context.Context, result *types.SurveyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}
	copied := *result
	m.results = append(m.results, &copied)
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*types.SurveyResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.SurveyResult, 0, len(m.results))
	for _, r := range m.results {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (m *MemoryStore) CountByOwner(ctx context.Context, sessionID types.SessionID, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return countByOwner(m.results, sessionID, ownerID), nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
