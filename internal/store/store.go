// Package store defines the persistence contract for items.
//
// A Backend persists one record per (kind, name). Callers never see which
// backend is in use: the file tree, sqlite and badger implementations all
// satisfy the same contract and run the same conformance suite
// (storetest.TestBackend). Backends are not required to guard against
// concurrent external writers; the collection manager is the sole writer.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"provisiond/internal/item"
)

var (
	// ErrNotFound is returned by LoadFull and Delete for unknown items.
	ErrNotFound = errors.New("item not found in store")
	// ErrCorrupt is returned by LoadFull when a record exists but cannot be
	// decoded into the item it claims to be.
	ErrCorrupt = errors.New("corrupt item record")
	// ErrUnknownBackend is returned by Registry.Open.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Stub is what a name scan yields: enough to create an unmaterialized
// collection entry.
type Stub struct {
	Kind item.Kind
	Name string
}

// Backend is the persistence contract.
type Backend interface {
	// ListStubs returns every persisted item of kind, in the order the items
	// were first saved. It must not decode record bodies.
	ListStubs(ctx context.Context, kind item.Kind) ([]Stub, error)
	// LoadFull decodes one item.
	LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error)
	// Save creates or replaces the record for it.
	Save(ctx context.Context, it *item.Item) error
	// Delete removes a record.
	Delete(ctx context.Context, kind item.Kind, name string) error
	Close() error
}

// Scanner is implemented by backends that can decode a whole collection
// faster than item-by-item LoadFull calls. fn receives records in
// ListStubs order; a decode failure is passed to fn as an error wrapping
// ErrCorrupt and does not stop the scan. Returning an error from fn does.
// fn must not call back into the backend.
type Scanner interface {
	LoadAll(ctx context.Context, kind item.Kind, fn func(name string, it *item.Item, err error) error) error
}

// Factory creates a backend from configuration parameters.
type Factory func(params map[string]string, logger *slog.Logger) (Backend, error)

// Registry maps a backend name to its factory.
type Registry map[string]Factory

// Open constructs the named backend.
func (r Registry) Open(name string, params map[string]string, logger *slog.Logger) (Backend, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownBackend, name, r.Names())
	}
	b, err := f(params, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	return b, nil
}

// Names returns the registered backend names, sorted.
func (r Registry) Names() []string {
	return slices.Sorted(maps.Keys(r))
}

// LoadAll scans kind through the backend's Scanner when it has one, and
// falls back to ListStubs plus LoadFull otherwise.
func LoadAll(ctx context.Context, b Backend, kind item.Kind, fn func(name string, it *item.Item, err error) error) error {
	if s, ok := b.(Scanner); ok {
		return s.LoadAll(ctx, kind, fn)
	}
	stubs, err := b.ListStubs(ctx, kind)
	if err != nil {
		return err
	}
	for _, st := range stubs {
		if err := ctx.Err(); err != nil {
			return err
		}
		it, err := b.LoadFull(ctx, kind, st.Name)
		if err != nil && !errors.Is(err, ErrCorrupt) {
			return err
		}
		if err := fn(st.Name, it, err); err != nil {
			return err
		}
	}
	return nil
}
