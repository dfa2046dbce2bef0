// Package memory implements the store.KV contract in process memory.
// Used by tests and by `simulate start`, which should not touch disk.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/nexhaptics/haplink/pkg/store"
)

// Store is an in-memory store.KV.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[string(key)]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	// Snapshot values so the visitor may call back into the store.
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), s.data[k]...)
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := fn([]byte(k), values[i])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, prefix []byte, pred func(key, value []byte) bool) (int, error) {
	var doomed []string
	err := s.Scan(ctx, prefix, func(key, value []byte) (bool, error) {
		if pred == nil || pred(key, value) {
			doomed = append(doomed, string(key))
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range doomed {
		delete(s.data, k)
	}
	return len(doomed), nil
}

// Len returns the number of stored keys. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}
