package kv

import (
	"context"
	"sync/atomic"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore implementa Store usando go-cache sin expiración.
// Útil para desarrollo y testing; no sobrevive a un restart.
type memoryStore struct {
	c      *gocache.Cache
	closed atomic.Bool
}

// NewMemory crea un store en memoria.
func NewMemory() Store {
	return &memoryStore{c: gocache.New(gocache.NoExpiration, 0)}
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := validKey(key); err != nil {
		return err
	}
	// copia: el caller puede reutilizar el slice
	m.c.Set(key, append([]byte(nil), value...), gocache.NoExpiration)
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.c.Delete(key)
	return nil
}

func (m *memoryStore) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) Close() error {
	m.closed.Store(true)
	m.c.Flush()
	return nil
}
