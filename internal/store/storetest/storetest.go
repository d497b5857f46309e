// Package storetest provides a shared conformance test suite for
// store.Backend implementations. Each backend (memory, file, sqlite,
// badger) wires this suite to verify it satisfies the full contract.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"provisiond/internal/item"
	"provisiond/internal/store"
)

// Corrupter overwrites the persisted record of (kind, name) with bytes that
// cannot be decoded. Backends that cannot do this pass nil.
type Corrupter func(t *testing.T, b store.Backend, kind item.Kind, name string)

// TestBackend runs the full conformance suite. newBackend must return a
// fresh, empty backend for each sub-test.
func TestBackend(t *testing.T, newBackend func(t *testing.T) store.Backend, corrupt Corrupter) {
	ctx := context.Background()

	t.Run("ListEmpty", func(t *testing.T) {
		b := newBackend(t)
		for _, k := range item.Kinds {
			stubs, err := b.ListStubs(ctx, k)
			if err != nil {
				t.Fatalf("ListStubs(%s): %v", k, err)
			}
			if len(stubs) != 0 {
				t.Fatalf("expected no stubs for %s, got %v", k, stubs)
			}
		}
	})

	t.Run("SaveLoad", func(t *testing.T) {
		b := newBackend(t)
		it := sampleSystem("s1")
		if err := b.Save(ctx, it); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := b.LoadFull(ctx, item.KindSystem, "s1")
		if err != nil {
			t.Fatalf("LoadFull: %v", err)
		}
		if got.Name != "s1" || got.Kind != item.KindSystem {
			t.Errorf("identity: got %s %q", got.Kind, got.Name)
		}
		if got.UID != it.UID {
			t.Errorf("UID: expected %q, got %q", it.UID, got.UID)
		}
		if got.Parent != "p1" || got.ParentKind != item.KindProfile {
			t.Errorf("parent: got %q (%s)", got.Parent, got.ParentKind)
		}
		if got.Interfaces["eth0"].MACAddress != "aa:bb:cc:dd:ee:ff" {
			t.Errorf("interfaces: got %+v", got.Interfaces)
		}
		if got.Attributes["kernel_opts"] != item.Inherit {
			t.Errorf("attributes: got %v", got.Attributes)
		}
		if got.Options["kernel_options"]["console"] != "ttyS0" {
			t.Errorf("options: got %v", got.Options)
		}
		if !got.Ctime.Equal(it.Ctime) {
			t.Errorf("ctime: expected %v, got %v", it.Ctime, got.Ctime)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.LoadFull(ctx, item.KindDistro, "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InsertionOrder", func(t *testing.T) {
		b := newBackend(t)
		for _, name := range []string{"zeta", "alpha", "mid"} {
			if err := b.Save(ctx, item.New(item.KindDistro, name)); err != nil {
				t.Fatalf("Save %s: %v", name, err)
			}
		}
		// Replacing an item keeps its position.
		alpha := item.New(item.KindDistro, "alpha")
		alpha.SetAttr("arch", "aarch64")
		if err := b.Save(ctx, alpha); err != nil {
			t.Fatalf("Save replace: %v", err)
		}

		if got, want := names(t, b, item.KindDistro), []string{"zeta", "alpha", "mid"}; !slices.Equal(got, want) {
			t.Fatalf("order: expected %v, got %v", want, got)
		}
		got, err := b.LoadFull(ctx, item.KindDistro, "alpha")
		if err != nil {
			t.Fatalf("LoadFull: %v", err)
		}
		if got.Attributes["arch"] != "aarch64" {
			t.Errorf("replace did not persist: %v", got.Attributes)
		}
	})

	t.Run("NameCharacters", func(t *testing.T) {
		b := newBackend(t)
		want := []string{"rhel-9.4_x86:64+updates", "web.", ".hidden", "A-Z"}
		for _, name := range want {
			if err := b.Save(ctx, item.New(item.KindDistro, name)); err != nil {
				t.Fatalf("Save %q: %v", name, err)
			}
		}
		if got := names(t, b, item.KindDistro); !slices.Equal(got, want) {
			t.Fatalf("names: expected %q, got %q", want, got)
		}
		for _, name := range want {
			if _, err := b.LoadFull(ctx, item.KindDistro, name); err != nil {
				t.Errorf("LoadFull %q: %v", name, err)
			}
		}
	})

	t.Run("KindsAreSeparate", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Save(ctx, item.New(item.KindDistro, "x")); err != nil {
			t.Fatal(err)
		}
		if err := b.Save(ctx, item.New(item.KindProfile, "x")); err != nil {
			t.Fatal(err)
		}
		if got := names(t, b, item.KindDistro); !slices.Equal(got, []string{"x"}) {
			t.Errorf("distros: %v", got)
		}
		if err := b.Delete(ctx, item.KindDistro, "x"); err != nil {
			t.Fatal(err)
		}
		if got := names(t, b, item.KindProfile); !slices.Equal(got, []string{"x"}) {
			t.Errorf("deleting a distro removed the profile: %v", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		if err := b.Save(ctx, item.New(item.KindRepo, "r1")); err != nil {
			t.Fatal(err)
		}
		if err := b.Delete(ctx, item.KindRepo, "r1"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := b.LoadFull(ctx, item.KindRepo, "r1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("after delete: expected ErrNotFound, got %v", err)
		}
		if got := names(t, b, item.KindRepo); len(got) != 0 {
			t.Errorf("stubs after delete: %v", got)
		}
		if err := b.Delete(ctx, item.KindRepo, "r1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAfterDeleteAppends", func(t *testing.T) {
		b := newBackend(t)
		for _, name := range []string{"a", "b"} {
			if err := b.Save(ctx, item.New(item.KindMenu, name)); err != nil {
				t.Fatal(err)
			}
		}
		if err := b.Delete(ctx, item.KindMenu, "a"); err != nil {
			t.Fatal(err)
		}
		if err := b.Save(ctx, item.New(item.KindMenu, "a")); err != nil {
			t.Fatal(err)
		}
		if got, want := names(t, b, item.KindMenu), []string{"b", "a"}; !slices.Equal(got, want) {
			t.Errorf("order: expected %v, got %v", want, got)
		}
	})

	t.Run("LoadAll", func(t *testing.T) {
		b := newBackend(t)
		for _, name := range []string{"s1", "s2", "s3"} {
			if err := b.Save(ctx, sampleSystem(name)); err != nil {
				t.Fatal(err)
			}
		}
		if corrupt != nil {
			corrupt(t, b, item.KindSystem, "s2")
		}

		var loaded, failed []string
		err := store.LoadAll(ctx, b, item.KindSystem, func(name string, it *item.Item, err error) error {
			if err != nil {
				if !errors.Is(err, store.ErrCorrupt) {
					t.Errorf("%s: expected ErrCorrupt, got %v", name, err)
				}
				failed = append(failed, name)
				return nil
			}
			if it.Name != name {
				t.Errorf("callback name %q holds item %q", name, it.Name)
			}
			loaded = append(loaded, name)
			return nil
		})
		if err != nil {
			t.Fatalf("LoadAll: %v", err)
		}

		want := []string{"s1", "s2", "s3"}
		if corrupt != nil {
			want = []string{"s1", "s3"}
			if !slices.Equal(failed, []string{"s2"}) {
				t.Errorf("corrupt: expected [s2], got %v", failed)
			}
		}
		if !slices.Equal(loaded, want) {
			t.Errorf("loaded: expected %v, got %v", want, loaded)
		}
	})

	if corrupt != nil {
		t.Run("Corrupt", func(t *testing.T) {
			b := newBackend(t)
			if err := b.Save(ctx, sampleSystem("bad")); err != nil {
				t.Fatal(err)
			}
			corrupt(t, b, item.KindSystem, "bad")

			if _, err := b.LoadFull(ctx, item.KindSystem, "bad"); !errors.Is(err, store.ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
			// The name scan still sees it.
			if got := names(t, b, item.KindSystem); !slices.Equal(got, []string{"bad"}) {
				t.Errorf("stubs: %v", got)
			}
		})
	}
}

func sampleSystem(name string) *item.Item {
	it := item.New(item.KindSystem, name)
	it.Parent = "p1"
	it.ParentKind = item.KindProfile
	it.SetInterface("eth0", item.Interface{MACAddress: "aa:bb:cc:dd:ee:ff", IPAddress: "10.0.0.5"})
	it.SetAttr("kernel_opts", item.Inherit)
	it.SetOption("kernel_options", "console", "ttyS0")
	return it
}

func names(t *testing.T, b store.Backend, kind item.Kind) []string {
	t.Helper()
	stubs, err := b.ListStubs(context.Background(), kind)
	if err != nil {
		t.Fatalf("ListStubs(%s): %v", kind, err)
	}
	var out []string
	for _, s := range stubs {
		if s.Kind != kind {
			t.Errorf("stub %q has kind %s, want %s", s.Name, s.Kind, kind)
		}
		out = append(out, s.Name)
	}
	return out
}
