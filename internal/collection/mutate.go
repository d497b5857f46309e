package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"provisiond/internal/item"
	"provisiond/internal/store"
)

// AddOptions controls Add.
type AddOptions struct {
	// CheckOnly runs every constraint check and stops before committing.
	CheckOnly bool
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Recursive also removes every item that depends on the target,
	// deepest first.
	Recursive bool
}

var now = func() time.Time { return time.Now().UTC() }

// Add validates it and commits a copy. The caller's item is not retained.
func (m *Manager) Add(ctx context.Context, it *item.Item, opts AddOptions) error {
	if it == nil {
		return fmt.Errorf("add: %w: nil item", item.ErrInvalidItem)
	}
	cand := it.Clone()
	cand.Normalize()
	t := now()
	cand.Ctime, cand.Mtime = t, t

	if err := m.prepare(ctx, cand.Kind, false); err != nil {
		return err
	}
	if !opts.CheckOnly {
		m.fire(ctx, false, Event{Op: OpAdd, Kind: cand.Kind, Name: cand.Name, Item: cand})
	}

	m.mu.Lock()
	c, err := m.coll(cand.Kind)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := reject(OpAdd, cand.Key(), m.validate(m.live(ctx), c, cand, OpAdd, "")); err != nil {
		m.mu.Unlock()
		return err
	}
	if opts.CheckOnly {
		m.mu.Unlock()
		return nil
	}
	if err := m.backend.Save(ctx, cand); err != nil {
		m.mu.Unlock()
		MutationCount.WithLabelValues(string(cand.Kind), string(OpAdd), "failed").Inc()
		return fmt.Errorf("save %s: %w", cand.Key(), err)
	}
	seq := c.seq()
	c.put(fullEntry(seq, cand))
	c.indexes.Insert(cand.Name, seq, cand)
	m.invalidate()
	m.mu.Unlock()

	MutationCount.WithLabelValues(string(cand.Kind), string(OpAdd), "ok").Inc()
	m.fire(ctx, true, Event{Op: OpAdd, Kind: cand.Kind, Name: cand.Name, Item: cand})
	return nil
}

// Edit replaces an existing item with it. The item keeps its position, and
// keeps its UID and creation time unless it carries its own. An edit may
// repair a corrupt item.
func (m *Manager) Edit(ctx context.Context, it *item.Item) error {
	if it == nil {
		return fmt.Errorf("edit: %w: nil item", item.ErrInvalidItem)
	}
	if err := m.prepare(ctx, it.Kind, false); err != nil {
		return err
	}
	m.fire(ctx, false, Event{Op: OpEdit, Kind: it.Kind, Name: it.Name, Item: it})

	m.mu.Lock()
	c, err := m.coll(it.Kind)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cand := it.Clone()
	var seq uint64
	if e, ok := c.entries[cand.Name]; ok {
		seq = e.seq
		if st, old, _ := e.get(); st == stateFull {
			if cand.UID == "" {
				cand.UID = old.UID
			}
			if cand.Ctime.IsZero() {
				cand.Ctime = old.Ctime
			}
		}
	}
	cand.Normalize()
	cand.Mtime = now()
	if cand.Ctime.IsZero() {
		cand.Ctime = cand.Mtime
	}

	if err := reject(OpEdit, cand.Key(), m.validate(m.live(ctx), c, cand, OpEdit, "")); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := m.backend.Save(ctx, cand); err != nil {
		m.mu.Unlock()
		MutationCount.WithLabelValues(string(cand.Kind), string(OpEdit), "failed").Inc()
		return fmt.Errorf("save %s: %w", cand.Key(), err)
	}
	c.put(fullEntry(seq, cand))
	c.indexes.Insert(cand.Name, seq, cand)
	m.invalidate()
	m.mu.Unlock()

	MutationCount.WithLabelValues(string(cand.Kind), string(OpEdit), "ok").Inc()
	m.fire(ctx, true, Event{Op: OpEdit, Kind: cand.Kind, Name: cand.Name, Item: cand})
	return nil
}

// removalPlan returns the keys a removal deletes, dependents first and the
// target last, or a rejection when dependents exist and the removal is not
// recursive. Caller holds mu.
func (m *Manager) removalPlan(target item.Key, recursive bool) ([]item.Key, error) {
	c, err := m.coll(target.Kind)
	if err != nil {
		return nil, err
	}
	if _, ok := c.entries[target.Name]; !ok {
		return nil, fmt.Errorf("%s: %w", target, ErrNotFound)
	}
	deps := m.dependents(target)
	if len(deps) > 0 && !recursive {
		var problems []error
		for _, d := range m.directDependents(target) {
			problems = append(problems, fmt.Errorf("%w: %s is still referenced by %s", ErrDanglingParentReference, target, d))
		}
		return nil, reject(OpRemove, target, problems)
	}
	return append(deps, target), nil
}

// Remove deletes an item. It is refused while other items reference it,
// unless opts.Recursive is set, in which case all dependents go first.
//
// The plan is checked in full before anything is deleted. If the backend
// fails part way through a recursive removal, the items already deleted
// stay deleted and the error names the one that failed; memory always
// matches what the backend holds.
func (m *Manager) Remove(ctx context.Context, kind item.Kind, name string, opts RemoveOptions) error {
	if err := m.prepare(ctx, kind, true); err != nil {
		return err
	}
	target := item.Key{Kind: kind, Name: name}

	m.mu.RLock()
	plan, err := m.removalPlan(target, opts.Recursive)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	events := make([]Event, len(plan))
	for i, k := range plan {
		events[i] = Event{Op: OpRemove, Kind: k.Kind, Name: k.Name}
	}
	m.fire(ctx, false, events...)

	m.mu.Lock()
	// Recompute: the graph may have changed while pre-commit listeners ran.
	plan, err = m.removalPlan(target, opts.Recursive)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	events = events[:0]
	var failed error
	for _, k := range plan {
		if err := m.backend.Delete(ctx, k.Kind, k.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
			failed = fmt.Errorf("delete %s: %w", k, err)
			break
		}
		m.colls[k.Kind].drop(k.Name)
		events = append(events, Event{Op: OpRemove, Kind: k.Kind, Name: k.Name})
	}
	if len(events) > 0 {
		m.invalidate()
	}
	m.mu.Unlock()

	for _, ev := range events {
		MutationCount.WithLabelValues(string(ev.Kind), string(OpRemove), "ok").Inc()
	}
	if failed != nil {
		MutationCount.WithLabelValues(string(kind), string(OpRemove), "failed").Inc()
	}
	m.fire(ctx, true, events...)
	return failed
}

// Rename moves an item to a new name and rewrites every reference to it in
// the same commit. The item goes to the end of its collection's order.
func (m *Manager) Rename(ctx context.Context, kind item.Kind, oldName, newName string) error {
	if err := item.ValidateName(newName); err != nil {
		return reject(OpRename, item.Key{Kind: kind, Name: oldName}, []error{err})
	}
	if err := m.prepare(ctx, kind, true); err != nil {
		return err
	}
	m.fire(ctx, false, Event{Op: OpRename, Kind: kind, Name: newName, OldName: oldName})

	m.mu.Lock()
	c, err := m.coll(kind)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	old, err := m.materialize(ctx, c, oldName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	oldKey := old.Key()
	cand := old.Clone()
	cand.Name = newName
	cand.Mtime = now()
	if err := reject(OpRename, oldKey, m.validate(m.live(ctx), c, cand, OpRename, oldName)); err != nil {
		m.mu.Unlock()
		return err
	}

	var originals, updated []*item.Item
	for _, d := range m.directDependents(oldKey) {
		_, dep, _ := m.colls[d.Kind].entries[d.Name].get()
		u := dep.Clone()
		u.Retarget(oldKey, newName)
		u.Mtime = cand.Mtime
		originals = append(originals, dep)
		updated = append(updated, u)
	}

	if err := m.persistRename(ctx, oldKey, cand, originals, updated); err != nil {
		m.mu.Unlock()
		MutationCount.WithLabelValues(string(kind), string(OpRename), "failed").Inc()
		return err
	}

	c.drop(oldName)
	seq := c.seq()
	c.put(fullEntry(seq, cand))
	c.indexes.Insert(cand.Name, seq, cand)
	events := []Event{{Op: OpRename, Kind: kind, Name: newName, OldName: oldName, Item: cand}}
	for _, u := range updated {
		dc := m.colls[u.Kind]
		de := dc.entries[u.Name]
		dc.put(fullEntry(de.seq, u))
		dc.indexes.Insert(u.Name, de.seq, u)
		events = append(events, Event{Op: OpEdit, Kind: u.Kind, Name: u.Name, Item: u})
	}
	m.invalidate()
	m.mu.Unlock()

	MutationCount.WithLabelValues(string(kind), string(OpRename), "ok").Inc()
	m.fire(ctx, true, events...)
	return nil
}

// persistRename writes the renamed item, then the retargeted dependents,
// then deletes the old record. A failure before the old record is deleted
// restores the dependents already rewritten from originals and removes the
// new record, so the backend is left as it was.
func (m *Manager) persistRename(ctx context.Context, oldKey item.Key, cand *item.Item, originals, updated []*item.Item) error {
	if err := m.backend.Save(ctx, cand); err != nil {
		return fmt.Errorf("save %s: %w", cand.Key(), err)
	}
	saved := 0
	undo := func(err error) error {
		for _, orig := range originals[:saved] {
			if rerr := m.backend.Save(ctx, orig); rerr != nil {
				m.logger.Error("rename rollback failed", "item", orig.Key().String(), "error", rerr)
			}
		}
		if derr := m.backend.Delete(ctx, cand.Kind, cand.Name); derr != nil {
			m.logger.Error("rename rollback failed", "item", cand.Key().String(), "error", derr)
		}
		return err
	}
	for _, u := range updated {
		if err := m.backend.Save(ctx, u); err != nil {
			return undo(fmt.Errorf("save %s: %w", u.Key(), err))
		}
		saved++
	}
	if err := m.backend.Delete(ctx, oldKey.Kind, oldKey.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return undo(fmt.Errorf("delete %s: %w", oldKey, err))
	}
	return nil
}

// Copy adds a clone of src named dst. The copy gets a new UID, and a
// system's interfaces lose their addresses and DNS names so the copy does
// not collide with the original in unique indexes.
func (m *Manager) Copy(ctx context.Context, kind item.Kind, src, dst string) error {
	orig, err := m.Get(ctx, kind, src)
	if err != nil {
		return err
	}
	cp := orig.Clone()
	cp.Name = dst
	cp.UID = ""
	cp.Depth = 0
	for name, iface := range cp.Interfaces {
		iface.MACAddress = ""
		iface.IPAddress = ""
		iface.IPv6Address = ""
		iface.DNSName = ""
		cp.Interfaces[name] = iface
	}
	return m.Add(ctx, cp, AddOptions{})
}
