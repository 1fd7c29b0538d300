package chunkstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"typegraph/internal/chunk"
)

// MemoryStore keeps encoded units in memory. Units still round-trip through
// JSON so reads behave like the disk store.
type MemoryStore struct {
	mu     sync.RWMutex
	stages map[Stage]map[Handle][]byte
	raw    map[string][]byte
	files  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stages: map[Stage]map[Handle][]byte{},
		raw:    map[string][]byte{},
		files:  map[string][]byte{},
	}
}

func (s *MemoryStore) Write(_ context.Context, stage Stage, u chunk.Unit) (Handle, error) {
	data, err := u.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode unit %s: %w", u.Key(), err)
	}
	h := HandleFor(u)
	s.Put(stage, h, data)
	return h, nil
}

// Put stores raw bytes under h, bypassing encoding. Tests use it to plant
// corrupt units.
func (s *MemoryStore) Put(stage Stage, h Handle, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages[stage] == nil {
		s.stages[stage] = map[Handle][]byte{}
	}
	s.stages[stage][h] = append([]byte(nil), data...)
}

func (s *MemoryStore) Read(_ context.Context, stage Stage, h Handle) (chunk.Unit, error) {
	s.mu.RLock()
	data, ok := s.stages[stage][h]
	s.mu.RUnlock()
	if !ok {
		return chunk.Unit{}, fmt.Errorf("%w: %s/%s", ErrNotFound, stage, h)
	}
	return decodeUnit(data)
}

func (s *MemoryStore) ReadAll(ctx context.Context, stage Stage, handles []Handle) ([]chunk.Unit, []ReadError) {
	return readAll(ctx, s, stage, handles)
}

func (s *MemoryStore) List(_ context.Context, stage Stage) ([]Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, len(s.stages[stage]))
	for h := range s.stages[stage] {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) Exists(_ context.Context, stage Stage, h Handle) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stages[stage][h]
	return ok, nil
}

func (s *MemoryStore) Reset(_ context.Context, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stages, stage)
	return nil
}

func (s *MemoryStore) WriteRaw(_ context.Context, h Handle, attempt int, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[rawName(h, attempt)] = compress(raw)
	return nil
}

func (s *MemoryStore) ReadRaw(_ context.Context, h Handle, attempt int) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.raw[rawName(h, attempt)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawName(h, attempt))
	}
	return decompress(data)
}

func (s *MemoryStore) WriteFile(_ context.Context, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) ReadFile(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) RemoveFile(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}
