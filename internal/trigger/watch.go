package trigger

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the listing cache whenever anything under the trigger
// directory changes, until ctx is done. New subdirectories are watched as
// they appear. A missing directory is awaited through its parent.
func (r *Runner) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	root := filepath.Clean(r.dir)
	parent := filepath.Dir(root)
	if _, err := os.Stat(parent); err != nil {
		r.logger.Debug("trigger directory not watched", "dir", root, "error", err)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := watcher.Add(p); err != nil {
				r.logger.Warn("failed to watch trigger directory", "dir", p, "error", err)
			}
			return nil
		})
	}
	within := func(p string) bool {
		return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
	}

	if err := watcher.Add(parent); err != nil {
		r.logger.Warn("failed to watch trigger directory parent", "dir", parent, "error", err)
	}
	// The directory may appear between the Stat above and the parent
	// watch, so look again once the watch is in place.
	if _, err := os.Stat(root); err == nil {
		addTree(root)
	}
	r.Invalidate()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !within(filepath.Clean(ev.Name)) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addTree(ev.Name)
				}
			}
			r.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("fsnotify error", "error", err)
		}
	}
}
