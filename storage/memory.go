package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mutex  sync.Mutex
	values map[string]any
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a Store that keeps values in process memory.
func NewMemory() Store {
	return &memoryStore{values: make(map[string]any)}
}

func (s *memoryStore) Get(_ context.Context, key string) (bool, any, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	val, ok := s.values[key]
	return ok, val, nil
}

func (s *memoryStore) Set(_ context.Context, key string, val any) error {
	s.mutex.Lock()
	s.values[key] = val
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok, nil
}

func (s *memoryStore) Close() error {
	s.mutex.Lock()
	clear(s.values)
	s.mutex.Unlock()
	return nil
}
