package collection

import (
	"context"
	"errors"
	"fmt"

	"provisiond/internal/item"
)

// CollectionReport summarizes one collection.
type CollectionReport struct {
	Kind    item.Kind
	State   LoadState
	Items   int
	Stubs   int
	Corrupt []string
	// Pending is true while some index awaits materialization.
	Pending bool
}

// Report is the result of a consistency check over the whole graph.
type Report struct {
	Collections []CollectionReport
	// Problems holds broken references, parent cycles and unique-index
	// conflicts found in persisted data.
	Problems []error
}

// OK reports whether the check found nothing wrong.
func (r *Report) OK() bool {
	if len(r.Problems) > 0 {
		return false
	}
	for _, c := range r.Collections {
		if len(c.Corrupt) > 0 {
			return false
		}
	}
	return true
}

// Err joins every problem and corrupt item into one error, or nil.
func (r *Report) Err() error {
	errs := append([]error(nil), r.Problems...)
	for _, c := range r.Collections {
		for _, name := range c.Corrupt {
			errs = append(errs, fmt.Errorf("%s %q: corrupt", c.Kind, name))
		}
	}
	return errors.Join(errs...)
}

// Status reports per-collection load progress without loading anything.
func (m *Manager) Status() []CollectionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CollectionReport, 0, len(item.Kinds))
	for _, kind := range item.Kinds {
		out = append(out, m.colls[kind].report())
	}
	return out
}

// Check materializes everything and verifies the committed graph: every
// reference resolves, no parent chain loops, and persisted data did not
// violate a unique index.
func (m *Manager) Check(ctx context.Context) (*Report, error) {
	for _, kind := range item.Kinds {
		if err := m.Materialize(ctx, kind); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrNotLoaded
	}

	r := &Report{}
	g := m.live(ctx)
	for _, kind := range item.Kinds {
		c := m.colls[kind]
		r.Collections = append(r.Collections, c.report())
		for _, e := range c.ordered() {
			st, it, _ := e.get()
			if st != stateFull {
				continue
			}
			r.Problems = append(r.Problems, checkReferences(g, it.Clone())...)
			if err := checkAcyclic(g, it); err != nil {
				r.Problems = append(r.Problems, err)
			}
		}
		r.Problems = append(r.Problems, c.rebuildConflicts...)
	}
	return r, nil
}

func (c *collection) report() CollectionReport {
	cr := CollectionReport{
		Kind:    c.kind,
		State:   c.state,
		Items:   len(c.entries),
		Pending: c.indexes.Pending(),
	}
	for _, e := range c.ordered() {
		switch st, _, _ := e.get(); st {
		case stateStub:
			cr.Stubs++
		case stateCorrupt:
			cr.Corrupt = append(cr.Corrupt, e.name)
		}
	}
	return cr
}
