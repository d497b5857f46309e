package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"provisiond/internal/item"
	"provisiond/internal/store"
	"provisiond/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), false, store.Codec{Format: store.FormatMsgpack}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.TestBackend(t, func(t *testing.T) store.Backend {
		return newTestStore(t)
	}, func(t *testing.T, b store.Backend, kind item.Kind, name string) {
		s := b.(*Store)
		err := s.db.Update(func(txn *badger.Txn) error {
			seq, _, err := get(txn, kind, name)
			if err != nil {
				return err
			}
			val := binary.BigEndian.AppendUint64(nil, seq)
			return txn.Set(itemKey(kind, name), append(val, 0xc1, 0xc1))
		})
		if err != nil {
			t.Fatalf("corrupt: %v", err)
		}
	})
}

func TestInMemoryFactory(t *testing.T) {
	f := NewFactory()
	if _, err := f(map[string]string{}, nil); !errors.Is(err, ErrMissingDirParam) {
		t.Errorf("missing dir: got %v", err)
	}
	b, err := f(map[string]string{ParamInMemory: "true"}, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := b.Save(ctx, item.New(item.KindImage, "img")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.LoadFull(ctx, item.KindImage, "img"); err != nil {
		t.Fatalf("LoadFull: %v", err)
	}
}

func TestSequencePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	codec := store.Codec{Format: store.FormatJSON}

	s, err := Open(dir, false, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"b", "a"} {
		if err := s.Save(ctx, item.New(item.KindRepo, n)); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	s, err = Open(dir, false, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Save(ctx, item.New(item.KindRepo, "c")); err != nil {
		t.Fatal(err)
	}
	stubs, err := s.ListStubs(ctx, item.KindRepo)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, st := range stubs {
		got = append(got, st.Name)
	}
	if len(got) != 3 || got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Errorf("order = %v, want [b a c]", got)
	}
}
