package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSchemaTooNew is returned when the database was written by a build that
// knows more schema steps than this one.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// schemaStep moves the database from version-1 to version. Steps are
// append-only; the index in schemaSteps plus one is the version.
type schemaStep struct {
	about string
	stmts []string
}

var schemaSteps = []schemaStep{
	{
		about: "item records",
		stmts: []string{
			`CREATE TABLE items (
				seq   INTEGER PRIMARY KEY AUTOINCREMENT,
				kind  TEXT NOT NULL,
				name  TEXT NOT NULL,
				uid   TEXT NOT NULL DEFAULT '',
				mtime TEXT NOT NULL DEFAULT '',
				data  BLOB NOT NULL,
				UNIQUE (kind, name)
			)`,
			`CREATE INDEX items_kind_seq ON items (kind, seq)`,
		},
	},
	{
		about: "uid lookup",
		stmts: []string{
			`CREATE INDEX items_uid ON items (uid) WHERE uid != ''`,
		},
	},
}

// schemaVersion reads the version recorded in the database header.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// upgradeSchema applies the steps past the database's user_version. Each
// step and its version bump commit together.
func upgradeSchema(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(schemaSteps) {
		return fmt.Errorf("%w: have %d, know %d", ErrSchemaTooNew, current, len(schemaSteps))
	}
	for i := current; i < len(schemaSteps); i++ {
		if err := applyStep(ctx, db, i+1, schemaSteps[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, version int, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema v%d (%s): begin: %w", version, step.about, err)
	}
	defer tx.Rollback()

	for _, stmt := range step.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema v%d (%s): %w", version, step.about, err)
		}
	}
	// PRAGMA takes no bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("schema v%d (%s): set version: %w", version, step.about, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema v%d (%s): commit: %w", version, step.about, err)
	}
	return nil
}
