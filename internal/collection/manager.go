// Package collection holds the authoritative object graph: one ordered,
// name-keyed collection per item kind, their secondary indexes, lazy
// materialization from the persistence backend, and the constraint checks
// every mutation passes before it commits.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"provisiond/internal/callgroup"
	"provisiond/internal/index"
	"provisiond/internal/item"
	"provisiond/internal/logging"
	"provisiond/internal/notify"
	"provisiond/internal/store"
)

// Defaults supplies fallback values for attributes no item on a chain sets.
type Defaults interface {
	Default(kind item.Kind, key string) (string, bool)
}

type noDefaults struct{}

func (noDefaults) Default(item.Kind, string) (string, bool) { return "", false }

// Op names a mutation.
type Op string

const (
	OpAdd    Op = "add"
	OpEdit   Op = "edit"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

// Event describes one committed (or, for BeforeCommit listeners, about to
// be attempted) change. Item is the new version and is nil for removals; it
// is shared and must not be modified.
type Event struct {
	Op      Op
	Kind    item.Kind
	Name    string
	OldName string // renames only
	Item    *item.Item
}

// Listener observes events. Listeners run outside the collection lock and
// cannot veto a change.
type Listener func(ctx context.Context, ev Event)

// Config configures a Manager.
type Config struct {
	Backend store.Backend
	// Indexes returns the index table for a kind. Nil means no secondary
	// indexes at all.
	Indexes  func(item.Kind) []index.Definition
	Defaults Defaults
	// FillerRate caps background materialization per collection, in items
	// per second. Zero is unthrottled.
	FillerRate float64
	// ResolveCacheSize bounds the resolved-item cache. Zero disables it.
	ResolveCacheSize int
	Logger           *slog.Logger
}

// Manager owns every collection.
//
// Concurrency model:
//   - One RWMutex covers all collections, because constraints cross kinds
//     (a system's parent lives in the profile collection).
//   - Mutations hold the write lock only across validate and commit. The
//     backend write happens inside that window so memory never runs ahead
//     of storage; listeners run after the lock is released.
//   - Reads hold the read lock and may promote stubs. Promotion is guarded
//     by a per-entry mutex and is idempotent.
//   - The background filler takes the read lock for one item at a time.
type Manager struct {
	mu       sync.RWMutex
	backend  store.Backend
	defaults Defaults
	colls    map[item.Kind]*collection
	loaded   bool

	resolved   *lru.Cache[item.Key, *item.Resolved]
	completing callgroup.Group[item.Kind, struct{}]
	changed    *notify.Signal

	fillerRate float64
	fillerMu   sync.Mutex
	fillers    map[item.Kind]context.CancelFunc
	fillerWG   sync.WaitGroup

	listenMu sync.RWMutex
	before   []Listener
	after    []Listener

	logger *slog.Logger
}

// New builds a manager with empty, unscanned collections.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("collection: backend is required")
	}
	m := &Manager{
		backend:    cfg.Backend,
		defaults:   cfg.Defaults,
		colls:      make(map[item.Kind]*collection, len(item.Kinds)),
		changed:    notify.NewSignal(),
		fillerRate: cfg.FillerRate,
		fillers:    make(map[item.Kind]context.CancelFunc),
		logger:     logging.Default(cfg.Logger).With("component", "collection"),
	}
	if m.defaults == nil {
		m.defaults = noDefaults{}
	}
	for _, kind := range item.Kinds {
		var defs []index.Definition
		if cfg.Indexes != nil {
			defs = cfg.Indexes(kind)
		}
		c, err := newCollection(kind, defs)
		if err != nil {
			return nil, fmt.Errorf("collection: %w", err)
		}
		m.colls[kind] = c
	}
	if cfg.ResolveCacheSize > 0 {
		cache, err := lru.New[item.Key, *item.Resolved](cfg.ResolveCacheSize)
		if err != nil {
			return nil, fmt.Errorf("collection: resolve cache: %w", err)
		}
		m.resolved = cache
	}
	return m, nil
}

// BeforeCommit registers a listener called before a mutation takes the
// lock. The mutation may still be rejected afterwards.
func (m *Manager) BeforeCommit(l Listener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.before = append(m.before, l)
}

// AfterCommit registers a listener called once per committed change.
func (m *Manager) AfterCommit(l Listener) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	m.after = append(m.after, l)
}

func (m *Manager) fire(ctx context.Context, after bool, events ...Event) {
	m.listenMu.RLock()
	ls := m.before
	if after {
		ls = m.after
	}
	ls = slices.Clone(ls)
	m.listenMu.RUnlock()
	for _, ev := range events {
		for _, l := range ls {
			l(ctx, ev)
		}
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Lazy reads only names at start. Everything else is loaded on first
	// access or by the filler.
	Lazy bool
}

// Load (re)populates every collection from the backend, in dependency
// order. Only a failure to list a collection is fatal; undecodable records
// become corrupt entries and are reported.
func (m *Manager) Load(ctx context.Context, opts LoadOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kind := range item.Kinds {
		c := m.colls[kind]
		c.reset()
		var err error
		if opts.Lazy {
			err = m.scan(ctx, c)
		} else {
			err = m.loadAll(ctx, c)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", kind.Plural(), err)
		}
	}
	m.loaded = true
	m.invalidate()
	m.changed.Notify()
	return nil
}

func (c *collection) reset() {
	clear(c.entries)
	c.order.Clear(false)
	c.nextSeq = 0
	c.state = Unscanned
	c.rebuildConflicts = nil
	c.indexes.Rebuild(nil)
	CorruptItems.WithLabelValues(string(c.kind)).Set(0)
}

// scan creates stubs. Name-keyed indexes are filled right away; the rest
// stay pending until the collection is materialized.
func (m *Manager) scan(ctx context.Context, c *collection) error {
	stubs, err := m.backend.ListStubs(ctx, c.kind)
	if err != nil {
		return err
	}
	for _, st := range stubs {
		e := &entry{name: st.Name, seq: c.seq(), state: stateStub}
		c.put(e)
		c.indexes.InsertStub(e.name, e.seq, c.kind)
	}
	if len(stubs) == 0 {
		c.rebuild()
		c.state = Materialized
		return nil
	}
	c.indexes.MarkPending()
	c.state = NamesScanned
	m.logger.Debug("collection scanned", "collection", c.kind, "stubs", len(stubs))
	return nil
}

func (m *Manager) loadAll(ctx context.Context, c *collection) error {
	corrupt := 0
	err := store.LoadAll(ctx, m.backend, c.kind, func(name string, it *item.Item, err error) error {
		seq := c.seq()
		if err != nil {
			corrupt++
			e := &entry{name: name, seq: seq, state: stateCorrupt, err: fmt.Errorf("%s %q: %w", c.kind, name, err)}
			c.put(e)
			CorruptItems.WithLabelValues(string(c.kind)).Inc()
			m.logger.Warn("corrupt item skipped", "collection", c.kind, "name", name, "error", err)
			return nil
		}
		c.put(fullEntry(seq, it))
		return nil
	})
	if err != nil {
		return err
	}
	c.rebuild()
	c.state = Materialized
	for _, err := range c.rebuildConflicts {
		m.logger.Warn("persisted index conflict", "collection", c.kind, "error", err)
	}
	m.logger.Debug("collection loaded", "collection", c.kind, "items", len(c.entries), "corrupt", corrupt)
	return nil
}

func (m *Manager) coll(kind item.Kind) (*collection, error) {
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	c, ok := m.colls[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", item.ErrUnknownKind, kind)
	}
	return c, nil
}

// State reports how far kind has been loaded.
func (m *Manager) State(kind item.Kind) LoadState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.colls[kind]; ok {
		return c.state
	}
	return Unscanned
}

// invalidate drops cached resolutions. Any commit can change what an
// unrelated item inherits, so the whole cache goes. Caller holds mu.
func (m *Manager) invalidate() {
	if m.resolved != nil {
		m.resolved.Purge()
	}
}

// Get returns a copy of the named item, materializing it and its parent
// chain if needed. Depth reflects the current chain.
func (m *Manager) Get(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	it, err := m.materialize(ctx, c, name)
	if err != nil {
		return nil, err
	}
	return m.export(ctx, it), nil
}

// export copies a committed item for a caller. Caller holds mu.
func (m *Manager) export(ctx context.Context, it *item.Item) *item.Item {
	out := it.Clone()
	out.Depth = item.Depth(m.live(ctx), it)
	return out
}

// materialize returns the committed item for name, promoting it and its
// ancestors. Caller holds mu.
func (m *Manager) materialize(ctx context.Context, c *collection, name string) (*item.Item, error) {
	e, ok := c.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", c.kind, name, ErrNotFound)
	}
	promoted, err := e.promote(ctx, m.backend, c.kind)
	if promoted {
		PromotionCount.WithLabelValues(string(c.kind), "foreground").Inc()
	}
	if err != nil {
		return nil, err
	}
	_, it, _ := e.get()
	// Walking the chain through the live graph promotes every ancestor.
	_, _ = item.Chain(m.live(ctx), it)
	return it, nil
}

// List returns the names of kind in insertion order. It never loads.
func (m *Manager) List(kind item.Kind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.entries))
	for _, e := range c.ordered() {
		names = append(names, e.name)
	}
	return names, nil
}

// Len returns the number of items of kind, stubs and corrupt ones included.
func (m *Manager) Len(kind item.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.colls[kind]; ok {
		return len(c.entries)
	}
	return 0
}

// liveGraph resolves against the manager's current state, promoting stubs
// it touches. Only valid while the caller holds mu.
type liveGraph struct {
	m   *Manager
	ctx context.Context
}

func (m *Manager) live(ctx context.Context) liveGraph { return liveGraph{m: m, ctx: ctx} }

func (g liveGraph) Lookup(kind item.Kind, name string) (*item.Item, bool) {
	c, ok := g.m.colls[kind]
	if !ok {
		return nil, false
	}
	e, ok := c.entries[name]
	if !ok {
		return nil, false
	}
	promoted, err := e.promote(g.ctx, g.m.backend, kind)
	if promoted {
		PromotionCount.WithLabelValues(string(kind), "foreground").Inc()
	}
	if err != nil {
		return nil, false
	}
	_, it, _ := e.get()
	return it, true
}

func (g liveGraph) Default(kind item.Kind, key string) (string, bool) {
	return g.m.defaults.Default(kind, key)
}
