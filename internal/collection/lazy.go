package collection

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"provisiond/internal/item"
	"provisiond/internal/store"
)

const (
	sourceForeground = "foreground"
	sourceFiller     = "filler"
)

func isCorrupt(err error) bool {
	return errors.Is(err, store.ErrCorrupt) || errors.Is(err, store.ErrNotFound)
}

// Materialize loads every stub of kind and builds its pending indexes.
// Concurrent callers share one pass. A caller that gives up waiting does not
// cancel the pass.
func (m *Manager) Materialize(ctx context.Context, kind item.Kind) error {
	m.mu.RLock()
	c, err := m.coll(kind)
	var done bool
	if err == nil {
		done = c.state == Materialized
	}
	m.mu.RUnlock()
	if err != nil || done {
		return err
	}

	ch := m.completing.DoChan(kind, func() (struct{}, error) {
		return struct{}{}, m.materializeAll(context.WithoutCancel(ctx), c, sourceForeground, nil)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare materializes kind and every kind that can hold a reference into
// it, transitively.
func (m *Manager) prepare(ctx context.Context, kind item.Kind, dependents bool) error {
	kinds := []item.Kind{kind}
	if dependents {
		kinds = dependentKinds(kind)
	}
	for _, k := range kinds {
		if err := m.Materialize(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// dependentKinds returns kind plus the closure of item.ReferencingKinds.
func dependentKinds(kind item.Kind) []item.Kind {
	out := []item.Kind{kind}
	for i := 0; i < len(out); i++ {
		for _, k := range item.ReferencingKinds(out[i]) {
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return out
}

// materializeAll promotes stubs one at a time under the read lock, then
// takes the write lock once to rebuild indexes. lim paces the promotions
// when non-nil.
func (m *Manager) materializeAll(ctx context.Context, c *collection, source string, lim *rate.Limiter) error {
	m.mu.RLock()
	stubs := c.stubs()
	m.mu.RUnlock()

	for _, e := range stubs {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		var err error
		// A reload or removal may have replaced the entry since the list
		// was taken.
		if c.entries[e.name] == e {
			var promoted bool
			promoted, err = e.promote(ctx, m.backend, c.kind)
			if promoted {
				PromotionCount.WithLabelValues(string(c.kind), source).Inc()
			}
		}
		m.mu.RUnlock()
		if err != nil && !isCorrupt(err) {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.state == Materialized {
		return nil
	}
	corrupt := 0
	for _, e := range c.ordered() {
		promoted, err := e.promote(ctx, m.backend, c.kind)
		if promoted {
			PromotionCount.WithLabelValues(string(c.kind), source).Inc()
		}
		switch {
		case err == nil:
		case isCorrupt(err):
			corrupt++
			if promoted {
				m.logger.Warn("corrupt item skipped", "collection", c.kind, "name", e.name, "error", err)
			}
		default:
			return err
		}
	}
	c.rebuild()
	c.state = Materialized
	m.invalidate()
	m.changed.Notify()
	for _, err := range c.rebuildConflicts {
		m.logger.Warn("persisted index conflict", "collection", c.kind, "error", err)
	}
	m.logger.Info("collection materialized", "collection", c.kind, "items", len(c.entries), "corrupt", corrupt, "source", source)
	return nil
}

// StartFiller launches one background materialization task per collection
// that still holds stubs. Each task is paced by the configured filler rate
// and can be cancelled on its own with StopFiller; cancelling ctx stops them
// all.
func (m *Manager) StartFiller(ctx context.Context) {
	m.fillerMu.Lock()
	defer m.fillerMu.Unlock()

	var g errgroup.Group
	started := 0
	for _, kind := range item.Kinds {
		if _, running := m.fillers[kind]; running || m.State(kind) != NamesScanned {
			continue
		}
		fctx, cancel := context.WithCancel(ctx)
		m.fillers[kind] = cancel
		c := m.colls[kind]
		lim := m.limiter()
		started++
		g.Go(func() error {
			defer m.forgetFiller(kind)
			return m.materializeAll(fctx, c, sourceFiller, lim)
		})
	}
	if started == 0 {
		return
	}
	m.fillerWG.Go(func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("filler stopped", "error", err)
			return
		}
		m.logger.Debug("filler finished")
	})
}

func (m *Manager) limiter() *rate.Limiter {
	if m.fillerRate <= 0 {
		return nil
	}
	burst := max(1, int(m.fillerRate/10))
	return rate.NewLimiter(rate.Limit(m.fillerRate), burst)
}

func (m *Manager) forgetFiller(kind item.Kind) {
	m.fillerMu.Lock()
	defer m.fillerMu.Unlock()
	if cancel, ok := m.fillers[kind]; ok {
		cancel()
		delete(m.fillers, kind)
	}
}

// StopFiller cancels the background task for one collection. Stubs it did
// not reach stay stubs and load on demand.
func (m *Manager) StopFiller(kind item.Kind) {
	m.fillerMu.Lock()
	defer m.fillerMu.Unlock()
	if cancel, ok := m.fillers[kind]; ok {
		cancel()
	}
}

// Close stops every filler task and waits for them.
func (m *Manager) Close() {
	m.fillerMu.Lock()
	for _, cancel := range m.fillers {
		cancel()
	}
	m.fillerMu.Unlock()
	m.fillerWG.Wait()
}

// WaitMaterialized blocks until kind has no stubs left.
func (m *Manager) WaitMaterialized(ctx context.Context, kind item.Kind) error {
	return m.changed.WaitFor(ctx, func() bool { return m.State(kind) == Materialized })
}
