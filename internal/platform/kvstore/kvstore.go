// Package kvstore provides the key-value storage that backs the procedure
// registry. A store holds opaque byte values under string keys; callers own
// the encoding. Implementations exist for an in-process map (development and
// tests), Redis and PostgreSQL.
package kvstore

import (
	"context"
	"errors"
	"sync"
)

// ErrKeyNotFound is returned by Get when nothing is stored under the key.
var ErrKeyNotFound = errors.New("key not found")

// Store is the contract shared by all key-value backends. A single Set is
// atomic; there is no multi-key transaction.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore is a Store backed by a map. Contents are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
