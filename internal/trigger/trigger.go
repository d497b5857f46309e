// Package trigger runs external scripts and registered in-process hooks on
// model changes and sync runs.
//
// Scripts live under a trigger directory, one subdirectory per trigger
// path:
//
//	<dir>/add/<kind>/pre/*      before an add commits
//	<dir>/add/<kind>/post/*     after it committed
//	<dir>/edit/<kind>/{pre,post}/*
//	<dir>/delete/<kind>/{pre,post}/*
//	<dir>/rename/<kind>/{pre,post}/*
//	<dir>/change/*              after any committed change
//	<dir>/sync/{pre,post}/*     around every sync run
//
// Scripts in one directory run in lexical order, each with the arguments
// "<kind> <name> <change>" and the same values in PROVISIOND_KIND,
// PROVISIOND_NAME and PROVISIOND_CHANGE. A failing script is logged and
// reported; it never stops the scripts after it.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"provisiond/internal/item"
	"provisiond/internal/logging"
)

// ErrTriggerFailure is matched by every TriggerError.
var ErrTriggerFailure = errors.New("trigger failed")

// Phases of a mutation trigger.
const (
	Pre  = "pre"
	Post = "post"
)

// Event is what a trigger is told about.
type Event struct {
	Kind   item.Kind
	Name   string
	Change string // add, edit, delete, rename or sync
}

// MutationPath returns the trigger path for one phase of a change, e.g.
// "add/system/post".
func MutationPath(change string, kind item.Kind, phase string) string {
	return path.Join(change, string(kind), phase)
}

// ChangePath is run after every committed change.
const ChangePath = "change"

// SyncPath returns the trigger path around sync runs.
func SyncPath(phase string) string { return path.Join("sync", phase) }

// TriggerError reports one failed trigger.
type TriggerError struct {
	Script   string
	ExitCode int // -1 when the script did not run to completion
	Output   string
	Err      error
}

func (e *TriggerError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("trigger %s exited %d", e.Script, e.ExitCode)
	}
	return fmt.Sprintf("trigger %s: %v", e.Script, e.Err)
}

func (e *TriggerError) Is(target error) bool { return target == ErrTriggerFailure }

func (e *TriggerError) Unwrap() error { return e.Err }

// Func is an in-process trigger.
type Func func(ctx context.Context, ev Event) error

type registered struct {
	pattern string
	name    string
	fn      Func
}

// Runner discovers and runs triggers. Directory listings are cached until
// Watch sees the tree change or Invalidate is called.
type Runner struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string][]string
	funcs []registered
}

// New creates a runner over dir. A missing dir simply has no scripts. A
// zero timeout lets scripts run until the caller's context ends.
func New(dir string, timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		dir:     dir,
		timeout: timeout,
		logger:  logging.Default(logger).With("component", "trigger"),
		cache:   make(map[string][]string),
	}
}

// Register adds an in-process trigger for every trigger path matching
// pattern (doublestar syntax, e.g. "add/*/post" or "**"). Functions run
// after the scripts of the same path, in registration order.
func (r *Runner) Register(pattern, name string, fn Func) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("trigger %s: bad pattern %q", name, pattern)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs = append(r.funcs, registered{pattern: pattern, name: name, fn: fn})
	return nil
}

// Invalidate forgets every cached directory listing.
func (r *Runner) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.cache)
}

// Scripts returns the executable files for a trigger path, sorted.
func (r *Runner) Scripts(triggerPath string) ([]string, error) {
	r.mu.Lock()
	if s, ok := r.cache[triggerPath]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	scripts, err := r.list(triggerPath)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[triggerPath] = scripts
	r.mu.Unlock()
	return scripts, nil
}

func (r *Runner) list(triggerPath string) ([]string, error) {
	if r.dir == "" {
		return nil, nil
	}
	dir := filepath.Join(r.dir, filepath.FromSlash(triggerPath))
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list triggers %s: %w", triggerPath, err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	slices.Sort(out)
	return out, nil
}

func (r *Runner) funcsFor(triggerPath string) []registered {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registered
	for _, f := range r.funcs {
		if ok, _ := doublestar.Match(f.pattern, triggerPath); ok {
			out = append(out, f)
		}
	}
	return out
}

// Run executes every trigger for triggerPath and returns the failures
// joined. Each failure is also logged.
func (r *Runner) Run(ctx context.Context, triggerPath string, ev Event) error {
	scripts, err := r.Scripts(triggerPath)
	if err != nil {
		r.logger.Warn("trigger discovery failed", "path", triggerPath, "error", err)
		return err
	}
	var errs []error
	for _, s := range scripts {
		if err := r.exec(ctx, s, ev); err != nil {
			r.logger.Warn("trigger failed", "path", triggerPath, "script", s, "error", err)
			errs = append(errs, err)
		}
	}
	for _, f := range r.funcsFor(triggerPath) {
		if err := f.fn(ctx, ev); err != nil {
			terr := &TriggerError{Script: f.name, ExitCode: -1, Err: err}
			r.logger.Warn("trigger failed", "path", triggerPath, "func", f.name, "error", err)
			errs = append(errs, terr)
		}
	}
	return errors.Join(errs...)
}

const maxOutput = 4096

func (r *Runner) exec(ctx context.Context, script string, ev Event) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, script, string(ev.Kind), ev.Name, ev.Change)
	cmd.Env = append(os.Environ(),
		"PROVISIOND_KIND="+string(ev.Kind),
		"PROVISIOND_NAME="+ev.Name,
		"PROVISIOND_CHANGE="+ev.Change,
	)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	terr := &TriggerError{Script: script, ExitCode: -1, Err: err}
	if len(out) > maxOutput {
		out = out[:maxOutput]
	}
	terr.Output = string(out)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.Exited() {
		terr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		terr.Err = fmt.Errorf("%w: %w", err, ctx.Err())
		terr.ExitCode = -1
	}
	return terr
}
