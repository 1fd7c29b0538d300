// Package objstore persists finalized signature graphs to durable storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("objstore: not found")

// Store is the durable destination for finalized graphs. Objects are
// written once; callers check Exists before Put.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// GraphKey is the object key of a library's finalized graph.
func GraphKey(library, version string) string {
	return fmt.Sprintf("%s-%s.graph.json", strings.TrimSpace(library), strings.TrimSpace(version))
}

func normalizeKey(key string) (string, error) {
	k := strings.TrimLeft(strings.TrimSpace(key), "/")
	if k == "" {
		return "", fmt.Errorf("objstore: key is required")
	}
	return k, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	objs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objs: map[string][]byte{}}
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objs[k]
	return ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, content []byte) error {
	k, err := normalizeKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[k] = append([]byte(nil), content...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objs[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return append([]byte(nil), data...), nil
}
