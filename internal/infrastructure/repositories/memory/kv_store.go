package memory

import (
	"context"
	"sync"

	"rtcwatch/internal/core/ports"
)

// MemoryKeyValueStore keeps values in process memory. Values are copied on
// the way in and out so callers cannot alias stored bytes.
type MemoryKeyValueStore struct {
	values map[string][]byte
	mu     sync.RWMutex
}

func NewMemoryKeyValueStore() ports.KeyValueStore {
	return &MemoryKeyValueStore{
		values: make(map[string][]byte),
	}
}

func (s *MemoryKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryKeyValueStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKeyValueStore) Close() error {
	return nil
}
