// Package index maintains the secondary indexes of an item collection.
//
// Each index maps a derived property value to the names of the items that
// produce it, ordered by value and then by the collection's insertion
// sequence. A Set is not safe for concurrent use; the owning collection
// serialises access.
package index

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"

	"provisiond/internal/item"
)

var (
	ErrUnknownIndex    = errors.New("unknown index")
	ErrUnknownProperty = errors.New("unknown index property")
	ErrIndexDisabled   = errors.New("index disabled")
	ErrIndexPending    = errors.New("index pending full load")
	ErrDuplicateValue  = errors.New("duplicate indexed value")
)

var ConflictCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provisiond",
	Subsystem: "index",
	Name:      "conflicts_total",
	Help:      "Unique index conflicts detected on mutation or rebuild.",
}, []string{"collection", "index"})

var RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "provisiond",
	Subsystem: "index",
	Name:      "rebuilds_total",
	Help:      "Full index rebuilds.",
}, []string{"collection"})

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ConflictCount, RebuildCount}
}

// Definition configures one index. It is the externally visible schema:
// `{property, nonunique, disabled}` keyed by index name.
type Definition struct {
	Name      string `yaml:"-" json:"name"`
	Property  string `yaml:"property" json:"property"`
	NonUnique bool   `yaml:"nonunique" json:"nonunique"`
	Disabled  bool   `yaml:"disabled" json:"disabled"`
}

// Validate checks that the property exists.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("index definition without a name")
	}
	if _, ok := LookupProperty(d.Property); !ok {
		return fmt.Errorf("index %s: %w %q", d.Name, ErrUnknownProperty, d.Property)
	}
	return nil
}

// ConflictError reports a value already held by another item in a unique
// index. It matches ErrDuplicateValue.
type ConflictError struct {
	Collection item.Kind
	Index      string
	Value      string
	Holder     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s index %q: value %q already used by %q", e.Collection, e.Index, e.Value, e.Holder)
}

func (e *ConflictError) Is(target error) bool { return target == ErrDuplicateValue }

type entry struct {
	value string
	seq   uint64
	name  string
}

func lessEntry(a, b entry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.name < b.name
}

// Index is a single secondary index.
type Index struct {
	def     Definition
	prop    Property
	tree    *btree.BTreeG[entry]
	byName  map[string][]entry
	pending bool
}

func newIndex(def Definition) (*Index, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	prop, _ := LookupProperty(def.Property)
	return &Index{
		def:    def,
		prop:   prop,
		tree:   btree.NewG(32, lessEntry),
		byName: make(map[string][]entry),
	}, nil
}

// Definition returns the index configuration.
func (x *Index) Definition() Definition { return x.def }

// Len returns the number of (value, item) pairs.
func (x *Index) Len() int { return x.tree.Len() }

func (x *Index) holders(value string) []entry {
	var out []entry
	x.tree.AscendGreaterOrEqual(entry{value: value}, func(e entry) bool {
		if e.value != value {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

func (x *Index) insert(name string, seq uint64, values []string) {
	for _, v := range values {
		e := entry{value: v, seq: seq, name: name}
		x.tree.ReplaceOrInsert(e)
		x.byName[name] = append(x.byName[name], e)
	}
}

func (x *Index) remove(name string) {
	for _, e := range x.byName[name] {
		x.tree.Delete(e)
	}
	delete(x.byName, name)
}

func (x *Index) clear() {
	x.tree.Clear(false)
	clear(x.byName)
}

// Set holds every index of one collection.
type Set struct {
	kind    item.Kind
	order   []string
	indexes map[string]*Index
}

// NewSet builds empty indexes for the given definitions.
func NewSet(kind item.Kind, defs []Definition) (*Set, error) {
	s := &Set{kind: kind, indexes: make(map[string]*Index, len(defs))}
	for _, d := range defs {
		if _, dup := s.indexes[d.Name]; dup {
			return nil, fmt.Errorf("%s: index %q defined twice", kind, d.Name)
		}
		x, err := newIndex(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		s.indexes[d.Name] = x
		s.order = append(s.order, d.Name)
	}
	return s, nil
}

// Names returns index names in definition order.
func (s *Set) Names() []string { return slices.Clone(s.order) }

// Index returns the named index.
func (s *Set) Index(name string) (*Index, bool) {
	x, ok := s.indexes[name]
	return x, ok
}

func (s *Set) enabled() []*Index {
	out := make([]*Index, 0, len(s.order))
	for _, n := range s.order {
		if x := s.indexes[n]; !x.def.Disabled {
			out = append(out, x)
		}
	}
	return out
}

// Check returns a ConflictError for every unique-index value of it that is
// held by an item other than it.Name or one of ignore. Nothing is modified.
func (s *Set) Check(it *item.Item, ignore ...string) []error {
	var errs []error
	for _, x := range s.enabled() {
		if x.def.NonUnique || x.pending {
			continue
		}
		for _, v := range x.prop.values(it) {
			for _, h := range x.holders(v) {
				if h.name == it.Name || slices.Contains(ignore, h.name) {
					continue
				}
				errs = append(errs, &ConflictError{Collection: s.kind, Index: x.def.Name, Value: v, Holder: h.name})
				ConflictCount.WithLabelValues(string(s.kind), x.def.Name).Inc()
				break
			}
		}
	}
	return errs
}

// Insert adds it under name to every enabled, non-pending index. Any
// existing entries for name are replaced.
func (s *Set) Insert(name string, seq uint64, it *item.Item) {
	for _, x := range s.enabled() {
		if x.pending {
			continue
		}
		x.remove(name)
		x.insert(name, seq, x.prop.values(it))
	}
}

// InsertStub adds a name-only item to the indexes that can serve stubs.
func (s *Set) InsertStub(name string, seq uint64, kind item.Kind) {
	stub := &item.Item{Name: name, Kind: kind}
	for _, x := range s.enabled() {
		if x.prop.StubSafe {
			x.remove(name)
			x.insert(name, seq, x.prop.values(stub))
		}
	}
}

// Remove deletes every entry for name.
func (s *Set) Remove(name string) {
	for _, x := range s.enabled() {
		x.remove(name)
	}
}

// MarkPending flags every index that needs fully loaded items. Pending
// indexes are not maintained and refuse lookups until Rebuild.
func (s *Set) MarkPending() {
	for _, x := range s.enabled() {
		if !x.prop.StubSafe {
			x.clear()
			x.pending = true
		}
	}
}

// Pending reports whether any enabled index awaits a rebuild.
func (s *Set) Pending() bool {
	for _, x := range s.enabled() {
		if x.pending {
			return true
		}
	}
	return false
}

// Entry is one item fed to Rebuild.
type Entry struct {
	Name string
	Seq  uint64
	Item *item.Item // nil for items that could not be loaded
}

// Rebuild discards and repopulates every enabled index from entries, which
// must be in insertion order. When persisted data violates a unique index
// the earliest holder keeps the value; later holders are left out of that
// index and reported. Nil items are skipped so corrupt records never hold a
// unique value.
func (s *Set) Rebuild(entries []Entry) []error {
	RebuildCount.WithLabelValues(string(s.kind)).Inc()
	var errs []error
	for _, x := range s.enabled() {
		x.clear()
		x.pending = false
		for _, e := range entries {
			it := e.Item
			if it == nil {
				if !x.prop.StubSafe {
					continue
				}
				it = &item.Item{Name: e.Name, Kind: s.kind}
			}
			vals := x.prop.values(it)
			if !x.def.NonUnique {
				kept := vals[:0]
				for _, v := range vals {
					if h := x.holders(v); len(h) > 0 {
						errs = append(errs, &ConflictError{Collection: s.kind, Index: x.def.Name, Value: v, Holder: h[0].name})
						ConflictCount.WithLabelValues(string(s.kind), x.def.Name).Inc()
						continue
					}
					kept = append(kept, v)
				}
				vals = kept
			}
			x.insert(e.Name, e.Seq, vals)
		}
	}
	return errs
}

// Lookup returns the names holding value in the named index, ordered by
// insertion sequence.
func (s *Set) Lookup(index, value string) ([]string, error) {
	x, ok := s.indexes[index]
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", s.kind, ErrUnknownIndex, index)
	}
	if x.def.Disabled {
		return nil, fmt.Errorf("%s: %w %q", s.kind, ErrIndexDisabled, index)
	}
	if x.pending {
		return nil, fmt.Errorf("%s: %w %q", s.kind, ErrIndexPending, index)
	}
	if x.prop.Normalize != nil {
		value = x.prop.Normalize(value)
	}
	var names []string
	for _, e := range x.holders(value) {
		names = append(names, e.name)
	}
	return names, nil
}

// Snapshot returns value→names for the named index; used by tests and by
// the check command to compare index state.
func (s *Set) Snapshot(index string) map[string][]string {
	x, ok := s.indexes[index]
	if !ok {
		return nil
	}
	out := make(map[string][]string)
	x.tree.Ascend(func(e entry) bool {
		out[e.value] = append(out[e.value], e.name)
		return true
	})
	return out
}
