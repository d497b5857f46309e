// Package pipeline regenerates downstream service configuration from the
// object graph.
//
// Commits are queued by OnCommit and coalesced by a background loop into a
// single run over the managers the changes affect. FullSync runs every
// manager. Each run renders from an immutable collection snapshot, so no
// collection lock is held while files are written, services restarted or
// triggers executed. Managers are isolated from each other: a failure is
// recorded in the run's Report and the remaining managers still run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"provisiond/internal/callgroup"
	"provisiond/internal/collection"
	"provisiond/internal/item"
	"provisiond/internal/logging"
	"provisiond/internal/notify"
	"provisiond/internal/trigger"
)

// ErrTriggerFailure is matched by trigger failures in a Report.
var ErrTriggerFailure = trigger.ErrTriggerFailure

var ErrAlreadyRunning = errors.New("pipeline already running")

// Manager renders and publishes one downstream service's configuration.
type Manager interface {
	Name() string
	// Render computes the full file set from snap. It must not touch disk.
	Render(ctx context.Context, snap *collection.Snapshot) ([]Artifact, error)
	// Apply publishes files. Each file must be replaced atomically.
	Apply(ctx context.Context, files []Artifact) error
}

// Restarter is implemented by managers that can reload their service.
// It is only called when the restart policy names the manager.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Selective is implemented by managers whose output depends on some kinds
// only. Commit-driven runs skip a Selective manager unless a changed item
// is of a kind it reports. Full syncs run every manager.
type Selective interface {
	Affects(kind item.Kind) bool
}

// Source supplies snapshots. *collection.Manager implements it.
type Source interface {
	Snapshot(ctx context.Context) (*collection.Snapshot, error)
}

// Triggers runs trigger paths. *trigger.Runner implements it.
type Triggers interface {
	Run(ctx context.Context, path string, ev trigger.Event) error
}

// Config wires a Pipeline.
type Config struct {
	Source   Source
	Managers []Manager
	// Restart names the managers whose Restart is called after a
	// successful apply.
	Restart  map[string]bool
	Triggers Triggers
	// Workers bounds how many managers run at once. Zero means one.
	Workers int
	// Delay is how long the commit loop waits after the first queued
	// commit, so a burst of mutations becomes one run.
	Delay  time.Duration
	Logger *slog.Logger
}

// Pipeline runs sync passes.
//
// Concurrency model:
//   - runMu serializes runs so two passes never write the same output
//     directory at once.
//   - Concurrent FullSync calls share one run through a callgroup.
//   - OnCommit only appends to a queue and never blocks on I/O.
type Pipeline struct {
	src      Source
	managers []Manager
	restart  map[string]bool
	triggers Triggers
	workers  int
	delay    time.Duration
	logger   *slog.Logger

	queue *notify.Queue[collection.Event]
	full  callgroup.Group[struct{}, *Report]
	runMu sync.Mutex

	lastMu sync.Mutex
	last   *Report

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a pipeline. It does nothing until Start or FullSync.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline: nil snapshot source")
	}
	seen := make(map[string]bool, len(cfg.Managers))
	for _, m := range cfg.Managers {
		if seen[m.Name()] {
			return nil, fmt.Errorf("pipeline: duplicate manager %q", m.Name())
		}
		seen[m.Name()] = true
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		src:      cfg.Source,
		managers: cfg.Managers,
		restart:  cfg.Restart,
		triggers: cfg.Triggers,
		workers:  workers,
		delay:    cfg.Delay,
		logger:   logging.Default(cfg.Logger).With("component", "pipeline"),
		queue:    notify.NewQueue[collection.Event](),
	}, nil
}

// ChangeName maps a collection operation to its trigger change name.
func ChangeName(op collection.Op) string {
	if op == collection.OpRemove {
		return "delete"
	}
	return string(op)
}

// OnCommit queues a committed change. It has the collection.Listener
// signature so it can be registered with AfterCommit directly.
func (p *Pipeline) OnCommit(_ context.Context, ev collection.Event) {
	p.queue.Push(ev)
}

// Pending returns the number of queued commits not yet synced.
func (p *Pipeline) Pending() int { return p.queue.Len() }

// Last returns the report of the most recent run, or nil.
func (p *Pipeline) Last() *Report {
	p.lastMu.Lock()
	defer p.lastMu.Unlock()
	return p.last
}

// Start launches the commit loop. Use Stop to shut it down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.logger.Info("starting sync pipeline", "managers", len(p.managers), "workers", p.workers)
	p.wg.Go(func() { p.loop(ctx) })
	return nil
}

// Stop cancels the commit loop and waits for an in-flight run to finish.
// Commits still queued are reported and dropped.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	if n := p.queue.Len(); n > 0 {
		p.logger.Warn("sync pipeline stopped with unsynced changes", "changes", n)
	}
	p.logger.Info("sync pipeline stopped")
	return nil
}

func (p *Pipeline) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Ready():
		}
		if p.delay > 0 {
			t := time.NewTimer(p.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		events := p.queue.Drain()
		if len(events) == 0 {
			continue
		}
		// Errors are in the report and already logged.
		_, _ = p.run(ctx, events)
	}
}

// FullSync regenerates every manager's output from the whole graph, then
// runs the sync triggers. Callers arriving while a full sync is in flight
// share its result. Cancelling ctx returns early and keeps managers that
// have not started from running; managers already running complete. The
// returned error joins every manager and trigger failure.
func (p *Pipeline) FullSync(ctx context.Context) (*Report, error) {
	ch := p.full.DoChan(struct{}{}, func() (*Report, error) {
		return p.run(ctx, nil)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one pass. A nil changes slice means a full sync.
func (p *Pipeline) run(ctx context.Context, changes []collection.Event) (*Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	rep := &Report{Full: changes == nil, Started: time.Now(), Changes: changes}
	defer p.finish(rep)

	if rep.Full {
		p.runTriggers(ctx, rep, trigger.SyncPath(trigger.Pre), trigger.Event{Change: "sync"})
	}

	managers := p.affected(changes)
	if len(managers) > 0 {
		snap, err := p.src.Snapshot(ctx)
		if err != nil {
			err = fmt.Errorf("snapshot: %w", err)
			for _, m := range managers {
				rep.Managers = append(rep.Managers, ManagerResult{
					Name: m.Name(),
					Err:  &ManagerError{Manager: m.Name(), Phase: PhaseRender, Err: err},
				})
			}
			return rep, rep.Err()
		}
		rep.Items = snap.Len()
		rep.Corrupt = len(snap.Corrupt())
		rep.Managers = p.runManagers(ctx, snap, managers)
	}

	if rep.Full {
		p.runTriggers(ctx, rep, trigger.SyncPath(trigger.Post), trigger.Event{Change: "sync"})
	}
	for _, ev := range changes {
		p.runTriggers(ctx, rep, trigger.ChangePath, trigger.Event{
			Kind:   ev.Kind,
			Name:   ev.Name,
			Change: ChangeName(ev.Op),
		})
	}
	return rep, rep.Err()
}

func (p *Pipeline) finish(rep *Report) {
	rep.Duration = time.Since(rep.Started)
	result := "ok"
	if err := rep.Err(); err != nil {
		result = "failed"
		p.logger.Warn("sync finished with failures",
			"mode", rep.mode(),
			"failed_managers", rep.Failed(),
			"trigger_failures", len(rep.Triggers),
			"duration", rep.Duration)
	} else {
		p.logger.Info("sync finished",
			"mode", rep.mode(),
			"managers", len(rep.Managers),
			"changes", len(rep.Changes),
			"items", rep.Items,
			"duration", rep.Duration)
	}
	SyncRuns.WithLabelValues(rep.mode(), result).Inc()
	SyncDuration.WithLabelValues(rep.mode()).Observe(rep.Duration.Seconds())

	p.lastMu.Lock()
	p.last = rep
	p.lastMu.Unlock()
}

func (p *Pipeline) affected(changes []collection.Event) []Manager {
	if changes == nil {
		return p.managers
	}
	var out []Manager
	for _, m := range p.managers {
		sel, ok := m.(Selective)
		if !ok {
			out = append(out, m)
			continue
		}
		for _, ev := range changes {
			if sel.Affects(ev.Kind) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// runManagers fans out over managers. Results keep the managers' order.
func (p *Pipeline) runManagers(ctx context.Context, snap *collection.Snapshot, managers []Manager) []ManagerResult {
	results := make([]ManagerResult, len(managers))
	// Started managers run to completion even if ctx is cancelled, so no
	// manager is left with half its files published.
	wctx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, m := range managers {
		if err := ctx.Err(); err != nil {
			results[i] = ManagerResult{
				Name: m.Name(),
				Err:  &ManagerError{Manager: m.Name(), Phase: PhaseRender, Err: err},
			}
			continue
		}
		g.Go(func() error {
			results[i] = p.syncManager(wctx, snap, m)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) syncManager(ctx context.Context, snap *collection.Snapshot, m Manager) ManagerResult {
	start := time.Now()
	res := ManagerResult{Name: m.Name()}
	fail := func(phase Phase, err error) ManagerResult {
		res.Err = &ManagerError{Manager: m.Name(), Phase: phase, Err: err}
		res.Duration = time.Since(start)
		ManagerFailures.WithLabelValues(m.Name(), string(phase)).Inc()
		p.logger.Warn("manager failed", "manager", m.Name(), "phase", phase, "error", err)
		return res
	}

	files, err := m.Render(ctx, snap)
	if err != nil {
		return fail(PhaseRender, err)
	}
	res.Files = len(files)
	if err := m.Apply(ctx, files); err != nil {
		return fail(PhaseApply, err)
	}
	if r, ok := m.(Restarter); ok && p.restart[m.Name()] {
		if err := r.Restart(ctx); err != nil {
			return fail(PhaseRestart, err)
		}
		res.Restarted = true
	}
	res.Duration = time.Since(start)
	p.logger.Debug("manager synced", "manager", m.Name(), "files", res.Files, "duration", res.Duration)
	return res
}

func (p *Pipeline) runTriggers(ctx context.Context, rep *Report, path string, ev trigger.Event) {
	if p.triggers == nil {
		return
	}
	if err := p.triggers.Run(ctx, path, ev); err != nil {
		TriggerFailures.WithLabelValues(path).Inc()
		rep.Triggers = append(rep.Triggers, err)
	}
}
