package collection

import (
	"fmt"
	"strings"

	"provisiond/internal/item"
)

// overlay answers lookups as if cand were committed and hidden were gone.
type overlay struct {
	base   item.Graph
	cand   *item.Item
	hidden item.Key
}

func (o overlay) Lookup(kind item.Kind, name string) (*item.Item, bool) {
	k := item.Key{Kind: kind, Name: name}
	if k == o.cand.Key() {
		return o.cand, true
	}
	if k == o.hidden {
		return nil, false
	}
	return o.base.Lookup(kind, name)
}

func (o overlay) Default(kind item.Kind, key string) (string, bool) {
	return o.base.Default(kind, key)
}

// validate runs every pre-commit check against cand and returns all the
// problems found, in check order: name, item fields, references, parent
// cycle, unique indexes. cand gets its ParentKind filled in when the parent
// resolves. replaces names an entry cand takes over for a rename; it is
// invisible to reference checks and does not count as an index conflict.
// Caller holds the write lock.
func (m *Manager) validate(g item.Graph, c *collection, cand *item.Item, op Op, replaces string) []error {
	var problems []error

	_, exists := c.entries[cand.Name]
	switch op {
	case OpAdd, OpRename:
		if exists {
			problems = append(problems, fmt.Errorf("%w: %s %q already exists", ErrDuplicateName, cand.Kind, cand.Name))
		}
	case OpEdit:
		if !exists {
			problems = append(problems, fmt.Errorf("%s %q: %w", cand.Kind, cand.Name, ErrNotFound))
		}
	}

	if err := cand.Validate(); err != nil {
		problems = append(problems, err)
		return problems
	}

	ov := overlay{base: g, cand: cand}
	if replaces != "" {
		ov.hidden = item.Key{Kind: cand.Kind, Name: replaces}
	}
	problems = append(problems, checkReferences(ov, cand)...)
	if err := checkAcyclic(ov, cand); err != nil {
		problems = append(problems, err)
	}

	var ignore []string
	if replaces != "" {
		ignore = append(ignore, replaces)
	}
	problems = append(problems, c.indexes.Check(cand, ignore...)...)
	return problems
}

// checkReferences verifies that every outgoing reference names an existing
// item of an acceptable kind.
func checkReferences(g item.Graph, cand *item.Item) []error {
	var problems []error
	for _, ref := range cand.References() {
		found := false
		for _, k := range ref.Kinds {
			if _, ok := g.Lookup(k, ref.Name); ok {
				found = true
				if ref.Field == "parent" && cand.ParentKind == "" {
					cand.ParentKind = k
				}
				break
			}
		}
		if !found {
			problems = append(problems, fmt.Errorf("%w: %s %q: %s %s %q does not exist",
				ErrDanglingParentReference, cand.Kind, cand.Name, ref.Field, kindList(ref.Kinds), ref.Name))
		}
	}
	return problems
}

// checkAcyclic walks cand's parent chain and fails if it comes back to
// cand or loops above it. A broken link ends the walk quietly; that is a
// reference problem, reported by checkReferences.
func checkAcyclic(g item.Graph, cand *item.Item) error {
	seen := map[item.Key]bool{cand.Key(): true}
	cur := cand
	for cur.Parent != "" {
		p, ok := item.ParentOf(g, cur)
		if !ok {
			return nil
		}
		if p.Key() == cand.Key() {
			return fmt.Errorf("%w: %s is its own ancestor through %s", ErrCyclicParentReference, cand.Key(), cur.Key())
		}
		if seen[p.Key()] {
			return fmt.Errorf("%w: chain of %s loops at %s", ErrCyclicParentReference, cand.Key(), p.Key())
		}
		seen[p.Key()] = true
		cur = p
	}
	return nil
}

func kindList(kinds []item.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, "|")
}

// directDependents lists the committed items that reference target, in
// kind then insertion order. Caller holds mu and has materialized the
// referencing kinds.
func (m *Manager) directDependents(target item.Key) []item.Key {
	var out []item.Key
	for _, kind := range item.ReferencingKinds(target.Kind) {
		for _, e := range m.colls[kind].ordered() {
			st, it, _ := e.get()
			if st != stateFull || it.Key() == target {
				continue
			}
			if it.RefersTo(target) {
				out = append(out, it.Key())
			}
		}
	}
	return out
}

// dependents lists every item that depends on root, directly or through
// other dependents, deepest first. Removing them in order never leaves a
// dangling reference behind.
func (m *Manager) dependents(root item.Key) []item.Key {
	var out []item.Key
	seen := map[item.Key]bool{root: true}
	var visit func(k item.Key)
	visit = func(k item.Key) {
		for _, d := range m.directDependents(k) {
			if seen[d] {
				continue
			}
			seen[d] = true
			visit(d)
			out = append(out, d)
		}
	}
	visit(root)
	return out
}
