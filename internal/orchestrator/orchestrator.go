// Package orchestrator wires the object graph, the persistence backend,
// triggers, the sync pipeline and the sync schedule into one daemon.
//
// New builds every component from settings without touching the graph.
// Load populates the collections; Start launches the background work
// (lazy filler, commit-driven syncs, scheduled syncs, trigger directory
// watch); Stop halts it; Close releases the backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"provisiond/internal/collection"
	"provisiond/internal/config"
	"provisiond/internal/home"
	"provisiond/internal/logging"
	"provisiond/internal/pipeline"
	"provisiond/internal/store"
	"provisiond/internal/trigger"
)

var (
	ErrAlreadyRunning = errors.New("orchestrator already running")
	ErrNotRunning     = errors.New("orchestrator not running")
	ErrNotLoaded      = errors.New("collections not loaded")
)

// syncJobName is the scheduler job for sync_cron.
const syncJobName = "sync"

// commitDelay lets a burst of mutations settle into one sync run.
const commitDelay = 250 * time.Millisecond

// Orchestrator owns every long-lived component.
//
// Concurrency model:
//   - mu guards the lifecycle fields (running, cancel, loaded).
//   - Collection operations go straight to the collection manager, which
//     has its own locking. Commit listeners run triggers and queue syncs;
//     they never call back into the orchestrator.
//   - Background goroutines started by Start share one context and are
//     tracked by wg.
type Orchestrator struct {
	settings  *config.Settings
	home      home.Dir
	backend   store.Backend
	coll      *collection.Manager
	triggers  *trigger.Runner
	pipeline  *pipeline.Pipeline
	scheduler *Scheduler
	logger    *slog.Logger

	mu      sync.Mutex
	loaded  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the backend and builds every component. Nothing is read from
// the backend until Load. On error everything opened so far is closed.
func New(settings *config.Settings, dir home.Dir, f Factories) (*Orchestrator, error) {
	if settings == nil {
		settings = config.Default()
	}
	logger := logging.Default(f.Logger)
	o := &Orchestrator{
		settings: settings,
		home:     dir,
		logger:   logger.With("component", "orchestrator"),
	}

	backend, err := f.Stores.Open(settings.Backend, backendParams(settings, dir, f), logger)
	if err != nil {
		return nil, err
	}
	o.backend = backend

	fail := func(err error) (*Orchestrator, error) {
		_ = backend.Close()
		return nil, err
	}

	o.coll, err = collection.New(collection.Config{
		Backend:          backend,
		Indexes:          settings.IndexDefinitions,
		Defaults:         settings,
		FillerRate:       settings.FillerRate,
		ResolveCacheSize: settings.ResolveCacheSize,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}

	triggerDir := dir.Resolve(settings.TriggerDir)
	if triggerDir == "" {
		triggerDir = dir.TriggerDir()
	}
	o.triggers = trigger.New(triggerDir, settings.TriggerTimeout, logger)

	managers, restart, err := openManagers(settings, dir, f)
	if err != nil {
		return fail(err)
	}
	o.pipeline, err = pipeline.New(pipeline.Config{
		Source:   o.coll,
		Managers: managers,
		Restart:  restart,
		Triggers: o.triggers,
		Workers:  settings.SyncWorkers,
		Delay:    commitDelay,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}

	o.scheduler, err = newScheduler(o.logger)
	if err != nil {
		return fail(err)
	}

	o.coll.BeforeCommit(o.mutationTrigger(trigger.Pre))
	o.coll.AfterCommit(o.mutationTrigger(trigger.Post))
	o.coll.AfterCommit(o.pipeline.OnCommit)
	o.describe()
	return o, nil
}

// mutationTrigger returns a listener running the trigger path for phase
// of each change. Failures are logged by the runner and never block the
// mutation.
func (o *Orchestrator) mutationTrigger(phase string) collection.Listener {
	return func(ctx context.Context, ev collection.Event) {
		change := pipeline.ChangeName(ev.Op)
		_ = o.triggers.Run(ctx, trigger.MutationPath(change, ev.Kind, phase), trigger.Event{
			Kind:   ev.Kind,
			Name:   ev.Name,
			Change: change,
		})
	}
}

func (o *Orchestrator) Settings() *config.Settings { return o.settings }

func (o *Orchestrator) Home() home.Dir { return o.home }

// Collections returns the collection manager every item operation goes
// through.
func (o *Orchestrator) Collections() *collection.Manager { return o.coll }

func (o *Orchestrator) Pipeline() *pipeline.Pipeline { return o.pipeline }

func (o *Orchestrator) Triggers() *trigger.Runner { return o.triggers }

func (o *Orchestrator) Scheduler() *Scheduler { return o.scheduler }

// Sync runs a full sync. It works whether or not Start was called.
func (o *Orchestrator) Sync(ctx context.Context) (*pipeline.Report, error) {
	if !o.isLoaded() {
		return nil, ErrNotLoaded
	}
	return o.pipeline.FullSync(ctx)
}

// Check reports corrupt items and broken references across the graph.
// Lazy collections are materialized first.
func (o *Orchestrator) Check(ctx context.Context) (*collection.Report, error) {
	if !o.isLoaded() {
		return nil, ErrNotLoaded
	}
	return o.coll.Check(ctx)
}

func (o *Orchestrator) isLoaded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loaded
}

// scheduledSync is the sync job. Manager failures are already logged by
// the pipeline, so only a sync that could not run at all is an error.
func (o *Orchestrator) scheduledSync(ctx context.Context) error {
	rep, err := o.pipeline.FullSync(ctx)
	if err != nil && rep == nil {
		return err
	}
	return nil
}

// describe logs what New built.
func (o *Orchestrator) describe() {
	var names []string
	for _, svc := range services(o.settings) {
		if svc.settings.Enabled {
			names = append(names, fmt.Sprintf("%s.%s", svc.name, svc.settings.Module))
		}
	}
	o.logger.Info("orchestrator configured",
		"home", o.home.Root(),
		"backend", o.settings.Backend,
		"managers", names,
		"lazy", o.settings.LazyStart,
		"sync_cron", o.settings.SyncCron)
}
