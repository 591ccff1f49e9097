// Package memory is a process-local checkpoint store for dry runs and tests.
package memory

import (
	"context"
	"sync"

	"streamingest/checkpoint"
)

type Store struct {
	mu   sync.Mutex
	data map[checkpoint.Key]int64
}

func New() *Store { return &Store{data: make(map[checkpoint.Key]int64)} }

func (s *Store) Load(_ context.Context, k checkpoint.Key) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.data[k]
	return off, ok, nil
}

func (s *Store) Save(_ context.Context, k checkpoint.Key, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[k]; ok && cur >= offset {
		return nil
	}
	s.data[k] = offset
	return nil
}

func (s *Store) Close() error { return nil }

func init() {
	checkpoint.Register("memory", func(context.Context, checkpoint.Config, checkpoint.Deps) (checkpoint.Store, error) {
		return New(), nil
	})
}
