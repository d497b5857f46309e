package item

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	// ErrUnresolvedInheritance is returned when an attribute defers to its
	// parent chain and neither the chain nor the defaults supply a value.
	ErrUnresolvedInheritance = errors.New("unresolved inheritance")
	// ErrBrokenChain is returned when a parent reference does not resolve or
	// the chain loops back on itself.
	ErrBrokenChain = errors.New("broken parent chain")
)

// Graph is the read-only view of the object graph used for resolution.
// Implementations must be safe for the duration of a single resolution; the
// collection manager hands out snapshots that satisfy this.
type Graph interface {
	// Lookup returns the fully loaded item, or false if it does not exist.
	Lookup(kind Kind, name string) (*Item, bool)
	// Default returns the configured fallback for key on items of kind.
	// The kind "*" holds fallbacks that apply to every kind.
	Default(kind Kind, key string) (string, bool)
}

// WildcardKind addresses defaults that apply to all kinds.
const WildcardKind Kind = "*"

// ParentOf returns the item's parent. A parent reference without an explicit
// ParentKind is tried against each allowed kind in order.
func ParentOf(g Graph, it *Item) (*Item, bool) {
	if it.Parent == "" {
		return nil, false
	}
	if it.ParentKind != "" {
		return g.Lookup(it.ParentKind, it.Parent)
	}
	for _, k := range it.Kind.ParentKinds() {
		if p, ok := g.Lookup(k, it.Parent); ok {
			return p, true
		}
	}
	return nil, false
}

// Chain returns it followed by its ancestors, nearest first.
func Chain(g Graph, it *Item) ([]*Item, error) {
	chain := []*Item{it}
	seen := map[Key]bool{it.Key(): true}
	cur := it
	for cur.Parent != "" {
		p, ok := ParentOf(g, cur)
		if !ok {
			return chain, fmt.Errorf("%w: %s %q: parent %q not found", ErrBrokenChain, cur.Kind, cur.Name, cur.Parent)
		}
		if seen[p.Key()] {
			return chain, fmt.Errorf("%w: cycle through %s", ErrBrokenChain, p.Key())
		}
		seen[p.Key()] = true
		chain = append(chain, p)
		cur = p
	}
	return chain, nil
}

// Depth is the number of ancestors above it.
func Depth(g Graph, it *Item) int {
	chain, _ := Chain(g, it)
	return len(chain) - 1
}

// Resolve returns the effective scalar value of key for it: the nearest
// value along the chain that is not Inherit, else the configured default for
// any kind on the chain (nearest first), else the wildcard default.
func Resolve(g Graph, it *Item, key string) (string, error) {
	chain, err := Chain(g, it)
	if err != nil {
		return "", err
	}
	return resolveChain(g, chain, key)
}

func resolveChain(g Graph, chain []*Item, key string) (string, error) {
	for _, c := range chain {
		if v, ok := c.Attributes[key]; ok && v != Inherit {
			return v, nil
		}
	}
	for _, c := range chain {
		if v, ok := g.Default(c.Kind, key); ok {
			return v, nil
		}
	}
	if v, ok := g.Default(WildcardKind, key); ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s %q has no value for %q", ErrUnresolvedInheritance, chain[0].Kind, chain[0].Name, key)
}

// ResolveMap returns the merged map attribute key. Ancestors are applied
// first and descendants override; an entry "!k" removes k from everything
// merged so far.
func ResolveMap(g Graph, it *Item, key string) (map[string]string, error) {
	chain, err := Chain(g, it)
	if err != nil {
		return nil, err
	}
	return mergeChain(chain, key), nil
}

func mergeChain(chain []*Item, key string) map[string]string {
	merged := make(map[string]string)
	for _, c := range slices.Backward(chain) {
		for k, v := range c.Options[key] {
			if name, ok := strings.CutPrefix(k, "!"); ok {
				delete(merged, name)
				continue
			}
			merged[k] = v
		}
	}
	return merged
}

// Resolved is an item with every attribute resolved through its chain.
type Resolved struct {
	*Item
	Values  map[string]string
	Maps    map[string]map[string]string
	Lineage []Key // it first, then ancestors
}

// Value returns a resolved scalar, or "" when it has none.
func (r *Resolved) Value(key string) string { return r.Values[key] }

// Blend resolves every attribute key that appears anywhere on the chain.
// Keys that resolve to nothing are left out rather than failing the blend.
func Blend(g Graph, it *Item) (*Resolved, error) {
	chain, err := Chain(g, it)
	if err != nil {
		return nil, err
	}
	r := &Resolved{
		Item:   it,
		Values: make(map[string]string),
		Maps:   make(map[string]map[string]string),
	}
	scalar := make(map[string]struct{})
	mapped := make(map[string]struct{})
	for _, c := range chain {
		r.Lineage = append(r.Lineage, c.Key())
		for k := range c.Attributes {
			scalar[k] = struct{}{}
		}
		for k := range c.Options {
			mapped[k] = struct{}{}
		}
	}
	for _, k := range slices.Sorted(maps.Keys(scalar)) {
		if v, err := resolveChain(g, chain, k); err == nil {
			r.Values[k] = v
		}
	}
	for k := range mapped {
		r.Maps[k] = mergeChain(chain, k)
	}
	return r, nil
}

// Ancestor returns the nearest item of kind on the resolved lineage.
func (r *Resolved) Ancestor(kind Kind) (string, bool) {
	for _, k := range r.Lineage {
		if k.Kind == kind {
			return k.Name, true
		}
	}
	return "", false
}
