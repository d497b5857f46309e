package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"provisiond/internal/index"
	"provisiond/internal/item"
	"provisiond/internal/store"
)

// LoadState is how far a collection has been read from the backend.
type LoadState uint8

const (
	Unscanned LoadState = iota
	// NamesScanned collections hold stubs and have pending indexes.
	NamesScanned
	// Materialized collections hold no stubs and have every index built.
	Materialized
)

func (s LoadState) String() string {
	switch s {
	case Unscanned:
		return "unscanned"
	case NamesScanned:
		return "names-scanned"
	case Materialized:
		return "materialized"
	}
	return fmt.Sprintf("LoadState(%d)", s)
}

type entryState uint8

const (
	stateStub entryState = iota
	stateFull
	stateCorrupt
)

// entry is one collection slot. Committed items are never modified in
// place: an edit installs a new entry, so the *item.Item an entry holds can
// be shared with snapshots once the entry is full.
type entry struct {
	name string
	seq  uint64

	mu    sync.Mutex // guards the fields below during promotion
	state entryState
	it    *item.Item
	err   error
}

func fullEntry(seq uint64, it *item.Item) *entry {
	return &entry{name: it.Name, seq: seq, state: stateFull, it: it}
}

func (e *entry) get() (entryState, *item.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.it, e.err
}

// promote materializes a stub. It reports whether this call performed the
// load; a second caller finds the entry full and does nothing. Decode
// failures and vanished records mark the entry corrupt; any other backend
// error leaves it a stub so a later access can retry.
func (e *entry) promote(ctx context.Context, b store.Backend, kind item.Kind) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateFull:
		return false, nil
	case stateCorrupt:
		return false, e.err
	}
	it, err := b.LoadFull(ctx, kind, e.name)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) && !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("load %s %q: %w", kind, e.name, err)
		}
		e.state = stateCorrupt
		e.err = fmt.Errorf("%s %q: %w", kind, e.name, err)
		CorruptItems.WithLabelValues(string(kind)).Inc()
		return true, e.err
	}
	e.it = it
	e.state = stateFull
	return true, nil
}

// collection is the name-keyed container for one kind. All fields are
// guarded by Manager.mu.
type collection struct {
	kind    item.Kind
	state   LoadState
	entries map[string]*entry
	order   *btree.BTreeG[*entry] // by seq
	nextSeq uint64
	indexes *index.Set

	// rebuildConflicts holds unique-index violations found in persisted data
	// by the last index rebuild.
	rebuildConflicts []error
}

func newCollection(kind item.Kind, defs []index.Definition) (*collection, error) {
	set, err := index.NewSet(kind, defs)
	if err != nil {
		return nil, err
	}
	return &collection{
		kind:    kind,
		entries: make(map[string]*entry),
		order:   btree.NewG(16, func(a, b *entry) bool { return a.seq < b.seq }),
		indexes: set,
	}, nil
}

func (c *collection) seq() uint64 {
	c.nextSeq++
	return c.nextSeq
}

// put installs e, replacing any entry with the same name.
func (c *collection) put(e *entry) {
	if old, ok := c.entries[e.name]; ok {
		c.order.Delete(old)
		if st, _, _ := old.get(); st == stateCorrupt {
			CorruptItems.WithLabelValues(string(c.kind)).Dec()
		}
	}
	c.entries[e.name] = e
	c.order.ReplaceOrInsert(e)
	ItemCount.WithLabelValues(string(c.kind)).Set(float64(len(c.entries)))
}

// drop removes name from the container and every index.
func (c *collection) drop(name string) {
	e, ok := c.entries[name]
	if !ok {
		return
	}
	delete(c.entries, name)
	c.order.Delete(e)
	c.indexes.Remove(name)
	if st, _, _ := e.get(); st == stateCorrupt {
		CorruptItems.WithLabelValues(string(c.kind)).Dec()
	}
	ItemCount.WithLabelValues(string(c.kind)).Set(float64(len(c.entries)))
}

// ordered returns every entry in insertion order.
func (c *collection) ordered() []*entry {
	out := make([]*entry, 0, c.order.Len())
	c.order.Ascend(func(e *entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// stubs returns the entries still awaiting materialization.
func (c *collection) stubs() []*entry {
	var out []*entry
	c.order.Ascend(func(e *entry) bool {
		if st, _, _ := e.get(); st == stateStub {
			out = append(out, e)
		}
		return true
	})
	return out
}

// rebuild repopulates every index from the current entries. Stubs are
// treated like corrupt entries and only reach name-keyed indexes, so
// callers promote first.
func (c *collection) rebuild() {
	entries := make([]index.Entry, 0, len(c.entries))
	for _, e := range c.ordered() {
		st, it, _ := e.get()
		ie := index.Entry{Name: e.name, Seq: e.seq}
		if st == stateFull {
			ie.Item = it
		}
		entries = append(entries, ie)
	}
	c.rebuildConflicts = c.indexes.Rebuild(entries)
}
