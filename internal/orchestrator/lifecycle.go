package orchestrator

import (
	"context"
	"errors"

	"provisiond/internal/collection"
)

// Load populates every collection from the backend. With lazy_start only
// names are read; Start then materializes the rest in the background.
// Only a backend that cannot be listed is fatal: corrupt records are
// loaded as corrupt entries and logged.
func (o *Orchestrator) Load(ctx context.Context) error {
	if err := o.coll.Load(ctx, collection.LoadOptions{Lazy: o.settings.LazyStart}); err != nil {
		return err
	}
	o.mu.Lock()
	o.loaded = true
	o.mu.Unlock()

	status := o.coll.Status()
	for _, c := range status {
		if len(c.Corrupt) > 0 {
			o.logger.Warn("collection has corrupt items", "collection", c.Kind, "corrupt", len(c.Corrupt))
		}
	}
	total, stubs := loadedCounts(status)
	o.logger.Info("collections loaded", "items", total, "stubs", stubs)
	return nil
}

// loadedCounts sums items and stubs over every collection. Items already
// include stubs.
func loadedCounts(status []collection.CollectionReport) (items, stubs int) {
	for _, c := range status {
		items += c.Items
		stubs += c.Stubs
	}
	return items, stubs
}

// Start launches the background work. Load must have run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}
	if !o.loaded {
		return ErrNotLoaded
	}
	ctx, cancel := context.WithCancel(ctx)

	if err := o.pipeline.Start(ctx); err != nil {
		cancel()
		return err
	}
	if o.settings.SyncCron != "" && !o.scheduler.HasJob(syncJobName) {
		if err := o.scheduler.AddJob(ctx, syncJobName, o.settings.SyncCron, o.scheduledSync); err != nil {
			_ = o.pipeline.Stop()
			cancel()
			return err
		}
	}

	o.cancel = cancel
	o.running = true

	if o.settings.LazyStart {
		o.coll.StartFiller(ctx)
	}
	o.scheduler.Start()
	o.wg.Go(func() {
		if err := o.triggers.Watch(ctx); err != nil {
			o.logger.Warn("trigger directory watch stopped", "error", err)
		}
	})
	o.logger.Info("orchestrator started")
	return nil
}

// Stop halts the background work.
//
// Ordered shutdown:
//  1. Scheduler: waits for a running scheduled sync
//  2. Pipeline: waits for an in-flight commit-driven run
//  3. Context cancel: stops the filler and the trigger watch
//
// Items the filler did not reach stay stubs and still load on demand.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.cancel
	o.mu.Unlock()

	var errs []error
	if err := o.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}
	o.scheduler.RemoveJob(syncJobName)
	if err := o.pipeline.Stop(); err != nil {
		errs = append(errs, err)
	}
	cancel()
	o.coll.Close()
	o.wg.Wait()

	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()

	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// Close stops the orchestrator if it is running and closes the backend.
// The orchestrator cannot be used afterwards.
func (o *Orchestrator) Close() error {
	var errs []error
	if err := o.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := o.scheduler.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	o.coll.Close()
	if err := o.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
