package collection

import (
	"context"
	"errors"
	"maps"
	"reflect"
	"slices"
	"sync"
	"testing"

	"provisiond/internal/config"
	"provisiond/internal/item"
)

func TestProvisioningScenario(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)

	mustAdd(t, m,
		distro("d1", "quiet splash"),
		profile("p1", "d1"),
		system("s1", "p1", "AA:BB:CC:DD:EE:FF"),
	)

	got, err := m.Resolve(ctx, item.KindSystem, "s1", "kernel_opts")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "quiet splash" {
		t.Errorf("kernel_opts = %q, want d1's value", got)
	}

	err = m.Add(ctx, system("s2", "p1", "aa:bb:cc:dd:ee:ff"), AddOptions{})
	if !errors.Is(err, ErrDuplicateIndexedValue) {
		t.Fatalf("duplicate MAC: got %v", err)
	}
	var conflict *IndexConflictError
	if !errors.As(err, &conflict) || conflict.Holder != "s1" || conflict.Index != "mac_address" {
		t.Errorf("conflict detail = %+v", conflict)
	}

	if err := m.Remove(ctx, item.KindDistro, "d1", RemoveOptions{}); !errors.Is(err, ErrDanglingParentReference) {
		t.Fatalf("remove d1 with dependents: got %v", err)
	}
	for _, k := range []item.Key{{Kind: item.KindSystem, Name: "s1"}, {Kind: item.KindProfile, Name: "p1"}, {Kind: item.KindDistro, Name: "d1"}} {
		if err := m.Remove(ctx, k.Kind, k.Name, RemoveOptions{}); err != nil {
			t.Fatalf("remove %s: %v", k, err)
		}
	}
	for _, kind := range item.Kinds {
		if n := m.Len(kind); n != 0 {
			t.Errorf("%s still holds %d items", kind, n)
		}
	}
}

func TestRecursiveRemove(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m,
		distro("d1", "quiet"),
		profile("p1", "d1"),
		system("s1", "p1", "aa:bb:cc:dd:ee:01"),
	)

	var removed []string
	m.AfterCommit(func(_ context.Context, ev Event) {
		if ev.Op == OpRemove {
			removed = append(removed, item.Key{Kind: ev.Kind, Name: ev.Name}.String())
		}
	})
	if err := m.Remove(ctx, item.KindDistro, "d1", RemoveOptions{Recursive: true}); err != nil {
		t.Fatalf("recursive remove: %v", err)
	}
	want := []string{"system/s1", "profile/p1", "distro/d1"}
	if !slices.Equal(removed, want) {
		t.Errorf("removal order = %v, want %v", removed, want)
	}
	if _, err := m.Get(ctx, item.KindSystem, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("s1 should be gone: %v", err)
	}
	if got := m.IndexSnapshot(item.KindSystem, "mac_address"); len(got) != 0 {
		t.Errorf("mac index not cleared: %v", got)
	}
}

func TestRemoveProfileWithChildProfile(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	child := profile("child", "base")
	child.ParentKind = item.KindProfile
	mustAdd(t, m, distro("d1", "quiet"), profile("base", "d1"), child)

	err := m.Remove(ctx, item.KindProfile, "base", RemoveOptions{})
	if !errors.Is(err, ErrDanglingParentReference) {
		t.Fatalf("got %v, want dangling reference", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Problems) != 1 {
		t.Errorf("validation error = %+v", verr)
	}
	if err := m.Remove(ctx, item.KindProfile, "base", RemoveOptions{Recursive: true}); err != nil {
		t.Fatalf("recursive: %v", err)
	}
	if names, _ := m.List(item.KindProfile); len(names) != 0 {
		t.Errorf("profiles left: %v", names)
	}
}

func TestDuplicateMACAllowedWhenIndexDisabled(t *testing.T) {
	ctx := context.Background()
	s := config.Default()
	s.AllowDuplicateMACs = true
	m := newManager(t, newMemory(), s, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), system("s1", "p1", "aa:bb:cc:dd:ee:ff"))

	if err := m.Add(ctx, system("s2", "p1", "aa:bb:cc:dd:ee:ff"), AddOptions{}); err != nil {
		t.Fatalf("duplicate MAC with index disabled: %v", err)
	}
	if _, err := m.Find(ctx, item.KindSystem, "mac_address", "aa:bb:cc:dd:ee:ff"); err == nil {
		t.Error("Find on a disabled index should fail")
	}
}

func TestRejectedMutationsLeaveIndexesUnchanged(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	s1 := system("s1", "p1", "aa:bb:cc:dd:ee:01")
	s1.SetInterface("eth0", item.Interface{MACAddress: "aa:bb:cc:dd:ee:01", IPAddress: "10.0.0.1", DNSName: "s1.example.org"})
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), s1)

	before := indexState(m)

	dupIP := system("s2", "p1", "aa:bb:cc:dd:ee:02")
	dupIP.SetInterface("eth1", item.Interface{IPAddress: "10.0.0.1"})
	attempts := map[string]func() error{
		"add duplicate ip": func() error { return m.Add(ctx, dupIP, AddOptions{}) },
		"add dangling":     func() error { return m.Add(ctx, system("s3", "nope", "aa:bb:cc:dd:ee:03"), AddOptions{}) },
		"add duplicate":    func() error { return m.Add(ctx, distro("d1", "x"), AddOptions{}) },
		"edit dangling": func() error {
			it, _ := m.Get(ctx, item.KindSystem, "s1")
			it.Parent, it.ParentKind = "ghost", ""
			it.SetInterface("eth0", item.Interface{MACAddress: "aa:bb:cc:dd:ee:99"})
			return m.Edit(ctx, it)
		},
		"remove referenced": func() error { return m.Remove(ctx, item.KindProfile, "p1", RemoveOptions{}) },
		"rename to taken":   func() error { return m.Rename(ctx, item.KindProfile, "p1", "p1") },
	}
	for name, op := range attempts {
		t.Run(name, func(t *testing.T) {
			if err := op(); err == nil {
				t.Fatal("expected rejection")
			}
			if after := indexState(m); !reflect.DeepEqual(before, after) {
				t.Errorf("indexes changed:\nbefore %v\nafter  %v", before, after)
			}
		})
	}
}

func indexState(m *Manager) map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	for _, kind := range item.Kinds {
		for _, name := range m.IndexNames(kind) {
			out[string(kind)+"."+name] = m.IndexSnapshot(kind, name)
		}
	}
	return out
}

func TestCyclicParentRejected(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	pb := profile("pb", "pa")
	pb.ParentKind = item.KindProfile
	mustAdd(t, m, distro("d1", "quiet"), profile("pa", "d1"), pb)

	pa, err := m.Get(ctx, item.KindProfile, "pa")
	if err != nil {
		t.Fatal(err)
	}
	pa.Parent, pa.ParentKind = "pb", item.KindProfile
	if err := m.Edit(ctx, pa); !errors.Is(err, ErrCyclicParentReference) {
		t.Fatalf("got %v, want cyclic parent reference", err)
	}

	self := profile("loop", "loop")
	self.ParentKind = item.KindProfile
	if err := m.Add(ctx, self, AddOptions{}); err == nil {
		t.Fatal("self-parented profile accepted")
	}
}

func TestDuplicateNameAndCheckOnly(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"))

	if err := m.Add(ctx, distro("d1", "other"), AddOptions{}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("got %v, want duplicate name", err)
	}
	if err := m.Add(ctx, distro("d2", "x"), AddOptions{CheckOnly: true}); err != nil {
		t.Fatalf("check only: %v", err)
	}
	if _, err := m.Get(ctx, item.KindDistro, "d2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("check-only add committed: %v", err)
	}
}

func TestParentKindInferred(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"))
	p1, err := m.Get(ctx, item.KindProfile, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p1.ParentKind != item.KindDistro || p1.Depth != 1 {
		t.Errorf("p1 parent kind %q depth %d", p1.ParentKind, p1.Depth)
	}
}

func TestEditKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), distro("d2", "quiet"))
	orig, _ := m.Get(ctx, item.KindDistro, "d1")

	upd := item.New(item.KindDistro, "d1")
	upd.UID = ""
	upd.SetAttr("kernel_opts", "verbose")
	if err := m.Edit(ctx, upd); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	got, _ := m.Get(ctx, item.KindDistro, "d1")
	if got.UID != orig.UID {
		t.Errorf("UID changed from %s to %s", orig.UID, got.UID)
	}
	if names, _ := m.List(item.KindDistro); !slices.Equal(names, []string{"d1", "d2"}) {
		t.Errorf("order after edit = %v", names)
	}
	if err := m.Edit(ctx, distro("nope", "x")); !errors.Is(err, ErrNotFound) {
		t.Errorf("edit missing: %v", err)
	}
}

func TestRenameRewritesReferences(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), system("s1", "p1", "aa:bb:cc:dd:ee:01"))

	var events []Event
	m.AfterCommit(func(_ context.Context, ev Event) { events = append(events, ev) })

	if err := m.Rename(ctx, item.KindProfile, "p1", "web"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	s1, err := m.Get(ctx, item.KindSystem, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if s1.Parent != "web" {
		t.Errorf("s1 parent = %q, want web", s1.Parent)
	}
	if _, err := m.Get(ctx, item.KindProfile, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still present: %v", err)
	}
	if v, err := m.Resolve(ctx, item.KindSystem, "s1", "kernel_opts"); err != nil || v != "quiet" {
		t.Errorf("resolve after rename = %q, %v", v, err)
	}
	if len(events) != 2 || events[0].Op != OpRename || events[0].OldName != "p1" || events[1].Name != "s1" {
		t.Errorf("events = %+v", events)
	}
}

func TestCopyClearsAddresses(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), system("s1", "p1", "aa:bb:cc:dd:ee:01"))

	if err := m.Copy(ctx, item.KindSystem, "s1", "s1-copy"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	orig, _ := m.Get(ctx, item.KindSystem, "s1")
	cp, err := m.Get(ctx, item.KindSystem, "s1-copy")
	if err != nil {
		t.Fatal(err)
	}
	if cp.UID == orig.UID {
		t.Error("copy shares UID")
	}
	if cp.Interfaces["eth0"].MACAddress != "" {
		t.Errorf("copy kept MAC %q", cp.Interfaces["eth0"].MACAddress)
	}
	if cp.Parent != "p1" {
		t.Errorf("copy parent = %q", cp.Parent)
	}
}

func TestFindOrderAndRestart(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), profile("p2", "d1"), profile("p3", "d1"))

	seq, err := m.Find(ctx, item.KindProfile, "parent", "d1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	collect := func() []string {
		var names []string
		for it := range seq {
			names = append(names, it.Name)
		}
		return names
	}
	if got := collect(); !slices.Equal(got, []string{"p1", "p2", "p3"}) {
		t.Errorf("first pass = %v", got)
	}
	if err := m.Remove(ctx, item.KindProfile, "p2", RemoveOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := collect(); !slices.Equal(got, []string{"p1", "p3"}) {
		t.Errorf("second pass = %v", got)
	}
	if _, err := m.Find(ctx, item.KindProfile, "serial", "x"); err == nil {
		t.Error("unknown index accepted")
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	web := system("web01", "p1", "aa:bb:cc:dd:ee:01")
	web.Comment = "Frontend"
	db := system("db01", "p1", "aa:bb:cc:00:00:02")
	db.SetAttr("kernel_opts", "nomodeset")
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"), web, db)

	tests := []struct {
		criteria map[string]string
		want     []string
	}{
		{map[string]string{"name": "WEB*"}, []string{"web01"}},
		{map[string]string{"name": "~web*"}, []string{"db01"}},
		{map[string]string{"mac_address": "aa:bb:cc:dd:*"}, []string{"web01"}},
		{map[string]string{"kernel_opts": "quiet"}, []string{"web01"}},
		{map[string]string{"comment": "front*", "parent": "p1"}, []string{"web01"}},
		{map[string]string{}, []string{"web01", "db01"}},
	}
	for _, tc := range tests {
		got, err := m.Search(ctx, item.KindSystem, tc.criteria)
		if err != nil {
			t.Fatalf("Search(%v): %v", tc.criteria, err)
		}
		var names []string
		for _, it := range got {
			names = append(names, it.Name)
		}
		if !slices.Equal(names, tc.want) {
			t.Errorf("Search(%v) = %v, want %v", tc.criteria, names, tc.want)
		}
	}
	if _, err := m.Search(ctx, item.KindSystem, map[string]string{"name": "[a-"}); err == nil {
		t.Error("bad pattern accepted")
	}
}

func TestResolveDefaultsAndMaps(t *testing.T) {
	ctx := context.Background()
	s := config.Default()
	s.Defaults[item.KindProfile] = map[string]string{"virt_ram": "1024"}
	m := newManager(t, newMemory(), s, false)

	p1 := profile("p1", "d1")
	p1.SetOption("kernel_options", "!console", "")
	p1.SetOption("kernel_options", "quiet", "")
	mustAdd(t, m, distro("d1", "quiet"), p1, system("s1", "p1", "aa:bb:cc:dd:ee:01"))

	if v, err := m.Resolve(ctx, item.KindSystem, "s1", "virt_ram"); err != nil || v != "1024" {
		t.Errorf("virt_ram = %q, %v; want profile default", v, err)
	}
	if v, err := m.Resolve(ctx, item.KindSystem, "s1", "virt_cpus"); err != nil || v != "1" {
		t.Errorf("virt_cpus = %q, %v; want wildcard default", v, err)
	}
	if _, err := m.Resolve(ctx, item.KindSystem, "s1", "no_such_key"); !errors.Is(err, item.ErrUnresolvedInheritance) {
		t.Errorf("missing key: %v", err)
	}
	opts, err := m.ResolveMap(ctx, item.KindSystem, "s1", "kernel_options")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := opts["console"]; ok {
		t.Errorf("!console did not delete: %v", opts)
	}
	if _, ok := opts["quiet"]; !ok {
		t.Errorf("quiet missing: %v", opts)
	}
}

func TestDescendants(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	sub := profile("sub", "p1")
	sub.ParentKind = item.KindProfile
	repo := item.New(item.KindRepo, "epel")
	p1 := profile("p1", "d1")
	p1.Repos = []string{"epel"}
	mustAdd(t, m, repo, distro("d1", "quiet"), p1, sub, system("s1", "sub", "aa:bb:cc:dd:ee:01"))

	got, err := m.Descendants(ctx, item.KindRepo, "epel")
	if err != nil {
		t.Fatal(err)
	}
	want := []item.Key{
		{Kind: item.KindSystem, Name: "s1"},
		{Kind: item.KindProfile, Name: "sub"},
		{Kind: item.KindProfile, Name: "p1"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("Descendants = %v, want %v", got, want)
	}
	if err := m.Remove(ctx, item.KindRepo, "epel", RemoveOptions{}); !errors.Is(err, ErrDanglingParentReference) {
		t.Errorf("remove referenced repo: %v", err)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newMemory(), nil, false)
	mustAdd(t, m, distro("d1", "quiet"), profile("p1", "d1"))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			name := "s" + string(rune('a'+i))
			mac := "aa:bb:cc:dd:ee:" + string("0123456789"[i]) + "0"
			if err := m.Add(ctx, system(name, "p1", mac), AddOptions{}); err != nil {
				t.Errorf("Add %s: %v", name, err)
			}
		})
		wg.Go(func() {
			if _, err := m.Resolve(ctx, item.KindProfile, "p1", "kernel_opts"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		})
	}
	wg.Wait()
	if n := m.Len(item.KindSystem); n != 8 {
		t.Errorf("systems = %d, want 8", n)
	}
	macs := m.IndexSnapshot(item.KindSystem, "mac_address")
	if len(slices.Collect(maps.Keys(macs))) != 8 {
		t.Errorf("mac index holds %d values", len(macs))
	}
}

func TestRenameRollbackRestoresDependents(t *testing.T) {
	cases := map[string]func(b *failingBackend){
		"old record delete fails": func(b *failingBackend) {
			b.failDelete = item.Key{Kind: item.KindProfile, Name: "p1"}
		},
		"dependent save fails": func(b *failingBackend) {
			b.failSave = item.Key{Kind: item.KindSystem, Name: "s2"}
		},
	}
	for name, arm := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mem := newMemory()
			b := &failingBackend{Backend: mem}
			m := newManager(t, b, nil, false)
			mustAdd(t, m,
				distro("d1", "quiet"),
				profile("p1", "d1"),
				system("s1", "p1", "aa:bb:cc:dd:ee:01"),
				system("s2", "p1", "aa:bb:cc:dd:ee:02"),
			)
			arm(b)

			if err := m.Rename(ctx, item.KindProfile, "p1", "base"); !errors.Is(err, errInjected) {
				t.Fatalf("Rename err = %v, want injected failure", err)
			}

			for _, sys := range []string{"s1", "s2"} {
				stored, err := mem.LoadFull(ctx, item.KindSystem, sys)
				if err != nil {
					t.Fatalf("stored %s: %v", sys, err)
				}
				if stored.Parent != "p1" {
					t.Errorf("stored %s parent = %q, want p1", sys, stored.Parent)
				}
				live, err := m.Get(ctx, item.KindSystem, sys)
				if err != nil {
					t.Fatal(err)
				}
				if live.Parent != "p1" {
					t.Errorf("live %s parent = %q, want p1", sys, live.Parent)
				}
			}
			if _, err := mem.LoadFull(ctx, item.KindProfile, "base"); err == nil {
				t.Error("new name left in store")
			}
			if _, err := mem.LoadFull(ctx, item.KindProfile, "p1"); err != nil {
				t.Errorf("old record gone from store: %v", err)
			}
			if _, err := m.Get(ctx, item.KindProfile, "p1"); err != nil {
				t.Errorf("old name gone from graph: %v", err)
			}
			if _, err := m.Get(ctx, item.KindProfile, "base"); !errors.Is(err, ErrNotFound) {
				t.Errorf("new name in graph: %v", err)
			}
		})
	}
}
