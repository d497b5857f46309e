// Package memory provides an in-memory store.Backend.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"provisiond/internal/item"
	"provisiond/internal/store"
)

// Store is an in-memory backend. Records are kept encoded so that loads
// exercise the same decode path as the persistent backends. Intended for
// testing; nothing survives a restart.
type Store struct {
	mu      sync.RWMutex
	codec   store.Codec
	order   map[item.Kind][]string
	records map[item.Kind]map[string][]byte
}

var _ store.Backend = (*Store)(nil)

// NewStore creates an empty in-memory backend.
func NewStore() *Store {
	return &Store{
		codec:   store.Codec{Format: store.FormatJSON},
		order:   make(map[item.Kind][]string),
		records: make(map[item.Kind]map[string][]byte),
	}
}

// NewFactory returns a factory for in-memory backends. It takes no params.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Backend, error) {
		return NewStore(), nil
	}
}

func (s *Store) ListStubs(ctx context.Context, kind item.Kind) ([]store.Stub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stubs := make([]store.Stub, 0, len(s.order[kind]))
	for _, name := range s.order[kind] {
		stubs = append(stubs, store.Stub{Kind: kind, Name: name})
	}
	return stubs, nil
}

func (s *Store) LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	s.mu.RLock()
	data, ok := s.records[kind][name]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	return s.codec.Decode(data, kind, name)
}

func (s *Store) Save(ctx context.Context, it *item.Item) error {
	data, err := s.codec.Encode(it)
	if err != nil {
		return err
	}
	s.PutRaw(it.Kind, it.Name, data)
	return nil
}

// PutRaw stores data as the record for (kind, name) without encoding it.
// Tests use it to plant undecodable records.
func (s *Store) PutRaw(kind item.Kind, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[kind] == nil {
		s.records[kind] = make(map[string][]byte)
	}
	if _, exists := s.records[kind][name]; !exists {
		s.order[kind] = append(s.order[kind], name)
	}
	s.records[kind][name] = slices.Clone(data)
}

func (s *Store) Delete(ctx context.Context, kind item.Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[kind][name]; !ok {
		return fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	delete(s.records[kind], name)
	s.order[kind] = slices.DeleteFunc(s.order[kind], func(n string) bool { return n == name })
	return nil
}

func (s *Store) Close() error { return nil }
