// Package badger provides a store.Backend on an embedded Badger KV store.
//
// Key layout per kind:
//
//	i/<kind>/<name>            -> 8-byte seq + encoded record
//	o/<kind>/<seq><name>       -> empty (order key, scanned key-only)
//	c/<kind>                   -> last seq handed out
//
// Name scans iterate order keys without fetching values.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"provisiond/internal/item"
	"provisiond/internal/logging"
	"provisiond/internal/store"
)

// Factory parameter keys.
const (
	ParamDir      = "dir"
	ParamInMemory = "in_memory"
	ParamFormat   = "format"
)

var ErrMissingDirParam = errors.New("missing required parameter: dir")

// Store is a Badger backend.
type Store struct {
	db     *badger.DB
	codec  store.Codec
	logger *slog.Logger
}

var (
	_ store.Backend = (*Store)(nil)
	_ store.Scanner = (*Store)(nil)
)

// Open opens (or creates) a Badger database in dir. An empty dir with
// inMemory set gives a throwaway database.
func Open(dir string, inMemory bool, codec store.Codec, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "store", "backend", "badger")
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{logger: logger})
	if inMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, codec: codec, logger: logger}, nil
}

// NewFactory returns a factory for Badger backends.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Backend, error) {
		inMemory := false
		if v := params[ParamInMemory]; v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", ParamInMemory, err)
			}
			inMemory = b
		}
		dir := params[ParamDir]
		if dir == "" && !inMemory {
			return nil, ErrMissingDirParam
		}
		format, err := store.ParseFormat(params[ParamFormat])
		if err != nil {
			return nil, err
		}
		return Open(dir, inMemory, store.Codec{Format: format}, logger)
	}
}

func itemKey(kind item.Kind, name string) []byte {
	return []byte("i/" + string(kind) + "/" + name)
}

func orderPrefix(kind item.Kind) []byte {
	return []byte("o/" + string(kind) + "/")
}

func orderKey(kind item.Kind, seq uint64, name string) []byte {
	k := orderPrefix(kind)
	k = binary.BigEndian.AppendUint64(k, seq)
	return append(k, name...)
}

func counterKey(kind item.Kind) []byte {
	return []byte("c/" + string(kind))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListStubs(ctx context.Context, kind item.Kind) ([]store.Stub, error) {
	var stubs []store.Stub
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := orderPrefix(kind)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			name := string(key[len(prefix)+8:])
			stubs = append(stubs, store.Stub{Kind: kind, Name: name})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.Plural(), err)
	}
	return stubs, nil
}

// get reads the seq and record of (kind, name) inside txn.
func get(txn *badger.Txn, kind item.Kind, name string) (uint64, []byte, error) {
	entry, err := txn.Get(itemKey(kind, name))
	if err != nil {
		return 0, nil, err
	}
	val, err := entry.ValueCopy(nil)
	if err != nil {
		return 0, nil, err
	}
	if len(val) < 8 {
		return 0, nil, fmt.Errorf("%w: %s %q: short value", store.ErrCorrupt, kind, name)
	}
	return binary.BigEndian.Uint64(val), val[8:], nil
}

func (s *Store) LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, data, err = get(txn, kind, name)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", kind, name, err)
	}
	return s.codec.Decode(data, kind, name)
}

// LoadAll walks the order keys and decodes each record in one read
// transaction.
func (s *Store) LoadAll(ctx context.Context, kind item.Kind, fn func(name string, it *item.Item, err error) error) error {
	type rec struct {
		name string
		data []byte
		err  error
	}
	var recs []rec
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := orderPrefix(kind)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			name := string(it.Item().Key()[len(prefix)+8:])
			_, data, err := get(txn, kind, name)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			recs = append(recs, rec{name: name, data: data, err: err})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", kind.Plural(), err)
	}

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		var it *item.Item
		derr := r.err
		if derr == nil {
			it, derr = s.codec.Decode(r.data, kind, r.name)
		}
		if err := fn(r.name, it, derr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, it *item.Item) error {
	data, err := s.codec.Encode(it)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		seq, _, err := get(txn, it.Kind, it.Name)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			seq, err = nextSeq(txn, it.Kind)
			if err != nil {
				return err
			}
			if err := txn.Set(orderKey(it.Kind, seq, it.Name), nil); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, store.ErrCorrupt):
			return err
		}
		val := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(data)), seq)
		return txn.Set(itemKey(it.Kind, it.Name), append(val, data...))
	})
	if err != nil {
		return fmt.Errorf("save %s %q: %w", it.Kind, it.Name, err)
	}
	return nil
}

func nextSeq(txn *badger.Txn, kind item.Kind) (uint64, error) {
	var seq uint64
	entry, err := txn.Get(counterKey(kind))
	switch {
	case err == nil:
		if err := entry.Value(func(v []byte) error {
			if len(v) == 8 {
				seq = binary.BigEndian.Uint64(v)
			}
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	seq++
	return seq, txn.Set(counterKey(kind), binary.BigEndian.AppendUint64(nil, seq))
}

func (s *Store) Delete(ctx context.Context, kind item.Kind, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		seq, _, err := get(txn, kind, name)
		if err != nil {
			return err
		}
		if err := txn.Delete(orderKey(kind, seq, name)); err != nil {
			return err
		}
		return txn.Delete(itemKey(kind, name))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, name, err)
	}
	return nil
}

// badgerLogger routes Badger's printf-style logging into slog. Badger is
// chatty at info level, so info is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
