package collection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"provisiond/internal/config"
	"provisiond/internal/item"
	"provisiond/internal/store"
	"provisiond/internal/store/memory"
)

// countingBackend records LoadFull calls per item.
type countingBackend struct {
	store.Backend
	mu    sync.Mutex
	loads map[item.Key]int
}

func newCounting(b store.Backend) *countingBackend {
	return &countingBackend{Backend: b, loads: make(map[item.Key]int)}
}

func (c *countingBackend) LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	c.mu.Lock()
	c.loads[item.Key{Kind: kind, Name: name}]++
	c.mu.Unlock()
	return c.Backend.LoadFull(ctx, kind, name)
}

func (c *countingBackend) count(kind item.Kind, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[item.Key{Kind: kind, Name: name}]
}

func (c *countingBackend) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.loads {
		n += v
	}
	return n
}

func newManager(t *testing.T, b store.Backend, settings *config.Settings, lazy bool) *Manager {
	t.Helper()
	if settings == nil {
		settings = config.Default()
	}
	m, err := New(Config{
		Backend:          b,
		Indexes:          settings.IndexDefinitions,
		Defaults:         settings,
		ResolveCacheSize: 64,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Load(context.Background(), LoadOptions{Lazy: lazy}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func distro(name, kernelOpts string) *item.Item {
	it := item.New(item.KindDistro, name)
	it.SetAttr("arch", "x86_64")
	it.SetAttr("kernel_opts", kernelOpts)
	it.SetOption("kernel_options", "console", "tty0")
	return it
}

func profile(name, parent string) *item.Item {
	it := item.New(item.KindProfile, name)
	it.Parent = parent
	it.SetAttr("kernel_opts", item.Inherit)
	return it
}

func system(name, parent, mac string) *item.Item {
	it := item.New(item.KindSystem, name)
	it.Parent = parent
	it.SetInterface("eth0", item.Interface{MACAddress: mac})
	return it
}

func mustAdd(t *testing.T, m *Manager, items ...*item.Item) {
	t.Helper()
	for _, it := range items {
		if err := m.Add(context.Background(), it, AddOptions{}); err != nil {
			t.Fatalf("Add %s: %v", it.Key(), err)
		}
	}
}

// seedStore writes a small graph straight to a backend.
func seedStore(t *testing.T, b store.Backend) {
	t.Helper()
	ctx := context.Background()
	d1 := distro("d1", "quiet splash")
	p1 := profile("p1", "d1")
	p1.ParentKind = item.KindDistro
	p2 := profile("p2", "p1")
	p2.ParentKind = item.KindProfile
	p2.SetOption("kernel_options", "console", "ttyS0")
	s1 := system("s1", "p1", "aa:bb:cc:dd:ee:01")
	s1.ParentKind = item.KindProfile
	s2 := system("s2", "p2", "aa:bb:cc:dd:ee:02")
	s2.ParentKind = item.KindProfile
	s2.SetAttr("kernel_opts", "nomodeset")
	for _, it := range []*item.Item{d1, p1, p2, s1, s2} {
		if err := b.Save(ctx, it); err != nil {
			t.Fatalf("seed %s: %v", it.Key(), err)
		}
	}
}

func newMemory() *memory.Store { return memory.NewStore() }

// failingBackend fails Save or Delete of one chosen item.
type failingBackend struct {
	store.Backend
	failSave   item.Key
	failDelete item.Key
}

var errInjected = errors.New("injected backend failure")

func (f *failingBackend) Save(ctx context.Context, it *item.Item) error {
	if it.Key() == f.failSave {
		return errInjected
	}
	return f.Backend.Save(ctx, it)
}

func (f *failingBackend) Delete(ctx context.Context, kind item.Kind, name string) error {
	if (item.Key{Kind: kind, Name: name}) == f.failDelete {
		return errInjected
	}
	return f.Backend.Delete(ctx, kind, name)
}
