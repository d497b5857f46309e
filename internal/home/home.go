// Package home manages the provisiond home directory layout.
//
// The home directory owns all persistent state:
//
//	<root>/
//	  settings.yaml                    (daemon settings)
//	  items/                           (file backend: <kind>s/<name>.json)
//	  provisiond.db                    (sqlite backend)
//	  kv/                              (badger backend)
//	  triggers/                        (trigger scripts, see internal/trigger)
//	  output/
//	    dhcp/  dns/  tftp/             (generated service configuration)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a provisiond home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location,
// e.g. ~/.config/provisiond on Linux. PROVISIOND_HOME overrides it.
func Default() (Dir, error) {
	if v := os.Getenv("PROVISIOND_HOME"); v != "" {
		return Dir{root: v}, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "provisiond")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// SettingsPath returns the path to settings.yaml.
func (d Dir) SettingsPath() string {
	return filepath.Join(d.root, "settings.yaml")
}

// ItemsDir is the root of the file backend tree.
func (d Dir) ItemsDir() string {
	return filepath.Join(d.root, "items")
}

// DatabasePath is the sqlite backend file.
func (d Dir) DatabasePath() string {
	return filepath.Join(d.root, "provisiond.db")
}

// KVDir is the badger backend directory.
func (d Dir) KVDir() string {
	return filepath.Join(d.root, "kv")
}

// TriggerDir is the default trigger script tree.
func (d Dir) TriggerDir() string {
	return filepath.Join(d.root, "triggers")
}

// OutputDir returns the default output directory for a downstream service
// ("dhcp", "dns" or "tftp").
func (d Dir) OutputDir(service string) string {
	return filepath.Join(d.root, "output", service)
}

// Resolve makes a settings path absolute relative to the home directory.
func (d Dir) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.root, p)
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
