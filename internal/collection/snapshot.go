package collection

import (
	"context"
	"iter"

	"provisiond/internal/item"
)

// Snapshot is an immutable view of the whole graph. It shares committed
// items with the manager, which never modifies them after commit, so taking
// one costs a pass over the entries rather than a deep copy. Items returned
// by a snapshot must not be modified.
type Snapshot struct {
	items    map[item.Kind][]*item.Item
	byKey    map[item.Key]*item.Item
	corrupt  []item.Key
	defaults Defaults
}

// Snapshot materializes every collection and captures it. The read lock is
// held only while the entries are copied.
func (m *Manager) Snapshot(ctx context.Context) (*Snapshot, error) {
	for _, kind := range item.Kinds {
		if err := m.Materialize(ctx, kind); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	s := &Snapshot{
		items:    make(map[item.Kind][]*item.Item, len(item.Kinds)),
		byKey:    make(map[item.Key]*item.Item),
		defaults: m.defaults,
	}
	for _, kind := range item.Kinds {
		c := m.colls[kind]
		for _, e := range c.ordered() {
			st, it, _ := e.get()
			if st != stateFull {
				s.corrupt = append(s.corrupt, item.Key{Kind: kind, Name: e.name})
				continue
			}
			s.items[kind] = append(s.items[kind], it)
			s.byKey[it.Key()] = it
		}
	}
	return s, nil
}

// Lookup implements item.Graph.
func (s *Snapshot) Lookup(kind item.Kind, name string) (*item.Item, bool) {
	it, ok := s.byKey[item.Key{Kind: kind, Name: name}]
	return it, ok
}

// Default implements item.Graph.
func (s *Snapshot) Default(kind item.Kind, key string) (string, bool) {
	return s.defaults.Default(kind, key)
}

// Items returns the items of kind in insertion order.
func (s *Snapshot) Items(kind item.Kind) []*item.Item { return s.items[kind] }

// All yields every item, collection by collection in load order.
func (s *Snapshot) All() iter.Seq[*item.Item] {
	return func(yield func(*item.Item) bool) {
		for _, kind := range item.Kinds {
			for _, it := range s.items[kind] {
				if !yield(it) {
					return
				}
			}
		}
	}
}

// Corrupt lists the items left out because they could not be loaded.
func (s *Snapshot) Corrupt() []item.Key { return s.corrupt }

// Len returns the number of items captured.
func (s *Snapshot) Len() int { return len(s.byKey) }

// Blend resolves every attribute of it against the snapshot.
func (s *Snapshot) Blend(it *item.Item) (*item.Resolved, error) {
	return item.Blend(s, it)
}

// Resolved yields every item of kind with its attributes resolved. Items
// whose chain is broken are yielded with the error.
func (s *Snapshot) Resolved(kind item.Kind) iter.Seq2[*item.Resolved, error] {
	return func(yield func(*item.Resolved, error) bool) {
		for _, it := range s.items[kind] {
			r, err := item.Blend(s, it)
			if err != nil {
				r = &item.Resolved{Item: it}
			}
			if !yield(r, err) {
				return
			}
		}
	}
}
