// Package file provides a directory-tree store.Backend.
//
// Each item is one file:
//
//	<dir>/<kind>s/<name>.json          {"version": 1, "item": { ... }}
//	<dir>/<kind>s/<name>.msgpack       same envelope, msgpack encoded
//	<dir>/<kind>s/<name>.json.zst      zstd compressed
//
// A per-kind ".order" file records first-save order so that name scans
// return items in insertion order without opening any record. Files added
// to the tree by hand are picked up by the scan and appended in name order.
// Writes are atomic via temp file + rename.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"provisiond/internal/item"
	"provisiond/internal/logging"
	"provisiond/internal/store"
)

// Factory parameter keys.
const (
	ParamDir      = "dir"
	ParamFormat   = "format"
	ParamCompress = "compress"
)

var ErrMissingDirParam = errors.New("missing required parameter: dir")

const (
	orderFile = ".order"
	tmpPrefix = ".tmp-"
)

// Store is a file-tree backend.
type Store struct {
	dir    string
	codec  store.Codec
	logger *slog.Logger

	mu sync.Mutex // guards .order files
}

var _ store.Backend = (*Store)(nil)

// NewStore creates a backend rooted at dir.
func NewStore(dir string, codec store.Codec, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create item directory: %w", err)
	}
	return &Store{
		dir:    dir,
		codec:  codec,
		logger: logging.Default(logger).With("component", "store", "backend", "file"),
	}, nil
}

// NewFactory returns a factory for file-tree backends.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Backend, error) {
		dir := params[ParamDir]
		if dir == "" {
			return nil, ErrMissingDirParam
		}
		format, err := store.ParseFormat(params[ParamFormat])
		if err != nil {
			return nil, err
		}
		codec := store.Codec{Format: format}
		switch params[ParamCompress] {
		case "", "none":
		case "zstd":
			codec.Compress = true
		default:
			return nil, fmt.Errorf("invalid %s %q: want none or zstd", ParamCompress, params[ParamCompress])
		}
		return NewStore(dir, codec, logger)
	}
}

func (s *Store) kindDir(kind item.Kind) string {
	return filepath.Join(s.dir, kind.Plural())
}

func (s *Store) path(kind item.Kind, name string) string {
	return filepath.Join(s.kindDir(kind), name+s.codec.Ext())
}

func (s *Store) ListStubs(ctx context.Context, kind item.Kind) ([]store.Stub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.scan(kind)
	if err != nil {
		return nil, err
	}
	stubs := make([]store.Stub, len(names))
	for i, n := range names {
		stubs[i] = store.Stub{Kind: kind, Name: n}
	}
	return stubs, nil
}

// scan reconciles the order file with the directory listing.
func (s *Store) scan(kind item.Kind) ([]string, error) {
	entries, err := os.ReadDir(s.kindDir(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", kind.Plural(), err)
	}
	ext := s.codec.Ext()
	present := make(map[string]bool, len(entries))
	var extra []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == orderFile || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ext)
		if !ok || name == "" {
			continue
		}
		present[name] = true
		extra = append(extra, name)
	}

	order, err := s.readOrder(kind)
	if err != nil {
		s.logger.Warn("ignoring unreadable order file", "kind", kind, "error", err)
		order = nil
	}
	var names []string
	for _, n := range order {
		if present[n] {
			names = append(names, n)
			delete(present, n)
		}
	}
	slices.Sort(extra)
	for _, n := range extra {
		if present[n] {
			names = append(names, n)
		}
	}
	return names, nil
}

func (s *Store) readOrder(kind item.Kind) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.kindDir(kind), orderFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) writeOrder(kind item.Kind, names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.kindDir(kind), orderFile), data)
}

func (s *Store) LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	data, err := os.ReadFile(s.path(kind, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
		}
		return nil, fmt.Errorf("read %s %q: %w", kind, name, err)
	}
	return s.codec.Decode(data, kind, name)
}

func (s *Store) Save(ctx context.Context, it *item.Item) error {
	data, err := s.codec.Encode(it)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.kindDir(it.Kind), 0o755); err != nil {
		return fmt.Errorf("create %s directory: %w", it.Kind.Plural(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path(it.Kind, it.Name), data); err != nil {
		return fmt.Errorf("write %s %q: %w", it.Kind, it.Name, err)
	}
	names, err := s.scan(it.Kind)
	if err != nil {
		return err
	}
	return s.writeOrder(it.Kind, names)
}

func (s *Store) Delete(ctx context.Context, kind item.Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(kind, name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
		}
		return fmt.Errorf("delete %s %q: %w", kind, name, err)
	}
	names, err := s.scan(kind)
	if err != nil {
		return err
	}
	return s.writeOrder(kind, names)
}

func (s *Store) Close() error { return nil }

// writeAtomic writes data to a temp file beside path and renames it over.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
