// Package sqlite provides a SQLite store.Backend.
//
// All items live in one table keyed by (kind, name). The AUTOINCREMENT seq
// column gives first-save order: an upsert keeps the row's seq, a delete
// followed by a save appends.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"provisiond/internal/item"
	"provisiond/internal/logging"
	"provisiond/internal/store"
)

// Factory parameter keys.
const (
	ParamPath   = "path"
	ParamFormat = "format"
)

var ErrMissingPathParam = errors.New("missing required parameter: path")

// Store is a SQLite backend.
type Store struct {
	db     *sql.DB
	path   string
	codec  store.Codec
	logger *slog.Logger
}

var (
	_ store.Backend = (*Store)(nil)
	_ store.Scanner = (*Store)(nil)
)

// NewStore opens the database at path and brings its schema up to date.
func NewStore(path string, codec store.Codec, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := upgradeSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade schema: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		codec:  codec,
		logger: logging.Default(logger).With("component", "store", "backend", "sqlite"),
	}, nil
}

// NewFactory returns a factory for SQLite backends.
func NewFactory() store.Factory {
	return func(params map[string]string, logger *slog.Logger) (store.Backend, error) {
		path := params[ParamPath]
		if path == "" {
			return nil, ErrMissingPathParam
		}
		format, err := store.ParseFormat(params[ParamFormat])
		if err != nil {
			return nil, err
		}
		return NewStore(path, store.Codec{Format: format}, logger)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListStubs(ctx context.Context, kind item.Kind) ([]store.Stub, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM items WHERE kind = ? ORDER BY seq", string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind.Plural(), err)
	}
	defer rows.Close()

	var stubs []store.Stub
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s name: %w", kind, err)
		}
		stubs = append(stubs, store.Stub{Kind: kind, Name: name})
	}
	return stubs, rows.Err()
}

func (s *Store) LoadFull(ctx context.Context, kind item.Kind, name string) (*item.Item, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM items WHERE kind = ? AND name = ?", string(kind), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", kind, name, err)
	}
	return s.codec.Decode(data, kind, name)
}

// LoadAll decodes a whole collection in one query.
func (s *Store) LoadAll(ctx context.Context, kind item.Kind, fn func(name string, it *item.Item, err error) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name, data FROM items WHERE kind = ? ORDER BY seq", string(kind))
	if err != nil {
		return fmt.Errorf("scan %s: %w", kind.Plural(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			data []byte
		)
		if err := rows.Scan(&name, &data); err != nil {
			return fmt.Errorf("scan %s row: %w", kind, err)
		}
		it, derr := s.codec.Decode(data, kind, name)
		if derr != nil {
			s.logger.Debug("undecodable row", "kind", kind, "name", name, "error", derr)
		}
		if err := fn(name, it, derr); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Save(ctx context.Context, it *item.Item) error {
	data, err := s.codec.Encode(it)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (kind, name, uid, mtime, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, name) DO UPDATE SET
			uid = excluded.uid, mtime = excluded.mtime, data = excluded.data`,
		string(it.Kind), it.Name, it.UID, it.Mtime.UTC().Format(time.RFC3339Nano), data)
	if err != nil {
		return fmt.Errorf("save %s %q: %w", it.Kind, it.Name, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind item.Kind, name string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE kind = ? AND name = ?", string(kind), name)
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", kind, name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %q", store.ErrNotFound, kind, name)
	}
	return nil
}
