package collection

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"provisiond/internal/item"
)

// Find yields the items holding value in the named index, in index order.
// The index is checked up front; each iteration then takes a fresh lookup,
// so the sequence can be ranged over again and reflects commits made in
// between. Items removed during iteration are skipped.
func (m *Manager) Find(ctx context.Context, kind item.Kind, indexName, value string) (iter.Seq[*item.Item], error) {
	if err := m.Materialize(ctx, kind); err != nil {
		return nil, err
	}
	lookup := func() ([]string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		c, err := m.coll(kind)
		if err != nil {
			return nil, err
		}
		return c.indexes.Lookup(indexName, value)
	}
	if _, err := lookup(); err != nil {
		return nil, err
	}
	return func(yield func(*item.Item) bool) {
		names, err := lookup()
		if err != nil {
			return
		}
		for _, name := range names {
			it, err := m.Get(ctx, kind, name)
			if err != nil {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}, nil
}

// IndexSnapshot returns value→names for one index of kind. Used to compare
// index state before and after an operation.
func (m *Manager) IndexSnapshot(kind item.Kind, indexName string) map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.colls[kind]
	if !ok {
		return nil
	}
	return c.indexes.Snapshot(indexName)
}

// IndexNames returns the index names defined for kind.
func (m *Manager) IndexNames(kind item.Kind) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.colls[kind]; ok {
		return c.indexes.Names()
	}
	return nil
}

// Search returns the items of kind matching every criterion, in insertion
// order. A criterion maps a field to a case-insensitive glob; a leading "~"
// negates it. Fields are item fields (name, uid, parent, comment, menu),
// list fields matched per element (repos, owners), interface fields matched
// per interface (mac_address, ip_address, ipv6_address, dns_name, netmask,
// gateway), and otherwise resolved attributes. Globs follow doublestar
// syntax, so "*" stops at "/" and "**" does not.
func (m *Manager) Search(ctx context.Context, kind item.Kind, criteria map[string]string) ([]*item.Item, error) {
	for field, pat := range criteria {
		if !doublestar.ValidatePattern(strings.ToLower(strings.TrimPrefix(pat, "~"))) {
			return nil, fmt.Errorf("search %s: bad pattern %q", field, pat)
		}
	}
	if err := m.Materialize(ctx, kind); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	var out []*item.Item
	for _, e := range c.ordered() {
		st, it, _ := e.get()
		if st != stateFull {
			continue
		}
		if m.matches(ctx, it, criteria) {
			out = append(out, m.export(ctx, it))
		}
	}
	return out, nil
}

func (m *Manager) matches(ctx context.Context, it *item.Item, criteria map[string]string) bool {
	var resolved *item.Resolved
	for field, pat := range criteria {
		negate := strings.HasPrefix(pat, "~")
		pat = strings.ToLower(strings.TrimPrefix(pat, "~"))

		values, ok := fieldValues(it, field)
		if !ok {
			if resolved == nil {
				r, err := m.blend(ctx, it)
				if err != nil {
					return false
				}
				resolved = r
			}
			v, has := resolved.Values[field]
			if has {
				values = []string{v}
			}
		}
		hit := slices.ContainsFunc(values, func(v string) bool {
			ok, _ := doublestar.Match(pat, strings.ToLower(v))
			return ok
		})
		if hit == negate {
			return false
		}
	}
	return true
}

// fieldValues returns the values of a structural field, or false when
// field is not one and should be looked up among resolved attributes.
func fieldValues(it *item.Item, field string) ([]string, bool) {
	switch field {
	case "name":
		return []string{it.Name}, true
	case "uid":
		return []string{it.UID}, true
	case "parent":
		return []string{it.Parent}, true
	case "comment":
		return []string{it.Comment}, true
	case "menu":
		return []string{it.Menu}, true
	case "repos":
		return it.Repos, true
	case "owners":
		return it.Owners, true
	}
	var get func(item.Interface) string
	switch field {
	case "mac_address":
		get = func(i item.Interface) string { return i.MACAddress }
	case "ip_address":
		get = func(i item.Interface) string { return i.IPAddress }
	case "ipv6_address":
		get = func(i item.Interface) string { return i.IPv6Address }
	case "dns_name":
		get = func(i item.Interface) string { return i.DNSName }
	case "netmask":
		get = func(i item.Interface) string { return i.Netmask }
	case "gateway":
		get = func(i item.Interface) string { return i.Gateway }
	default:
		return nil, false
	}
	var out []string
	for _, name := range it.InterfaceNames() {
		out = append(out, get(it.Interfaces[name]))
	}
	return out, true
}

// blend resolves it through the cache. Caller holds mu.
func (m *Manager) blend(ctx context.Context, it *item.Item) (*item.Resolved, error) {
	if m.resolved != nil {
		if r, ok := m.resolved.Get(it.Key()); ok {
			return r, nil
		}
	}
	r, err := item.Blend(m.live(ctx), it)
	if err != nil {
		return nil, err
	}
	if m.resolved != nil {
		m.resolved.Add(it.Key(), r)
	}
	return r, nil
}

// Blend returns the item with every attribute resolved. The result may be
// cached and shared, and must not be modified.
func (m *Manager) Blend(ctx context.Context, kind item.Kind, name string) (*item.Resolved, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	it, err := m.materialize(ctx, c, name)
	if err != nil {
		return nil, err
	}
	return m.blend(ctx, it)
}

// Resolve returns the effective value of one scalar attribute, failing
// with item.ErrUnresolvedInheritance when neither the chain nor the
// defaults supply one.
func (m *Manager) Resolve(ctx context.Context, kind item.Kind, name, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return "", err
	}
	it, err := m.materialize(ctx, c, name)
	if err != nil {
		return "", err
	}
	if r, err := m.blend(ctx, it); err == nil {
		if v, ok := r.Values[key]; ok {
			return v, nil
		}
	}
	// Not present anywhere on the chain, or the chain is broken: let the
	// resolver produce the precise outcome.
	return item.Resolve(m.live(ctx), it, key)
}

// ResolveMap returns a map attribute merged along the parent chain.
func (m *Manager) ResolveMap(ctx context.Context, kind item.Kind, name, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	it, err := m.materialize(ctx, c, name)
	if err != nil {
		return nil, err
	}
	return item.ResolveMap(m.live(ctx), it, key)
}

// Descendants lists every item that depends on kind/name, directly or
// transitively, deepest first.
func (m *Manager) Descendants(ctx context.Context, kind item.Kind, name string) ([]item.Key, error) {
	if err := m.prepare(ctx, kind, true); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.coll(kind)
	if err != nil {
		return nil, err
	}
	if _, ok := c.entries[name]; !ok {
		return nil, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	return m.dependents(item.Key{Kind: kind, Name: name}), nil
}
