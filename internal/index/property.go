package index

import (
	"maps"
	"net"
	"net/netip"
	"slices"
	"strings"

	"provisiond/internal/item"
)

// Property derives the values an item contributes to an index.
type Property struct {
	Name string
	// Extract returns the item's values. Duplicates and empty strings are
	// dropped by the caller.
	Extract func(*item.Item) []string
	// Normalize canonicalises a lookup value so it compares equal to an
	// extracted one. Nil means values are compared as given.
	Normalize func(string) string
	// StubSafe properties can be computed from name and kind alone, so their
	// indexes are usable before an item is materialized.
	StubSafe bool
}

var properties = map[string]Property{
	"name": {
		Name:     "name",
		Extract:  func(it *item.Item) []string { return []string{it.Name} },
		StubSafe: true,
	},
	"uid": {
		Name:    "uid",
		Extract: func(it *item.Item) []string { return []string{it.UID} },
	},
	"parent": {
		Name:    "parent",
		Extract: func(it *item.Item) []string { return []string{it.Parent} },
	},
	"arch": {
		Name:      "arch",
		Extract:   ownAttr("arch"),
		Normalize: strings.ToLower,
	},
	"mac_address": {
		Name:      "mac_address",
		Extract:   interfaceField(func(i item.Interface) string { return i.MACAddress }),
		Normalize: normalizeMAC,
	},
	"ip_address": {
		Name:      "ip_address",
		Extract:   interfaceField(func(i item.Interface) string { return i.IPAddress }),
		Normalize: normalizeIP,
	},
	"ipv6_address": {
		Name:      "ipv6_address",
		Extract:   interfaceField(func(i item.Interface) string { return i.IPv6Address }),
		Normalize: normalizeIP,
	},
	"dns_name": {
		Name:      "dns_name",
		Extract:   interfaceField(func(i item.Interface) string { return i.DNSName }),
		Normalize: func(s string) string { return strings.TrimSuffix(strings.ToLower(s), ".") },
	},
	"repos": {
		Name:    "repos",
		Extract: func(it *item.Item) []string { return slices.Clone(it.Repos) },
	},
	"menu": {
		Name:    "menu",
		Extract: func(it *item.Item) []string { return []string{it.Menu} },
	},
	"owners": {
		Name:    "owners",
		Extract: func(it *item.Item) []string { return slices.Clone(it.Owners) },
	},
}

// LookupProperty returns the named extractor.
func LookupProperty(name string) (Property, bool) {
	p, ok := properties[name]
	return p, ok
}

// PropertyNames lists every registered extractor in sorted order.
func PropertyNames() []string {
	return slices.Sorted(maps.Keys(properties))
}

func ownAttr(key string) func(*item.Item) []string {
	return func(it *item.Item) []string {
		v := it.Attributes[key]
		if v == item.Inherit {
			return nil
		}
		return []string{strings.ToLower(v)}
	}
}

func interfaceField(get func(item.Interface) string) func(*item.Item) []string {
	return func(it *item.Item) []string {
		var out []string
		for _, name := range it.InterfaceNames() {
			out = append(out, get(it.Interfaces[name]))
		}
		return out
	}
}

func normalizeMAC(s string) string {
	if hw, err := net.ParseMAC(s); err == nil {
		return hw.String()
	}
	return strings.ToLower(s)
}

func normalizeIP(s string) string {
	if a, err := netip.ParseAddr(s); err == nil {
		return a.String()
	}
	return s
}

// values runs the extractor and drops empties and repeats, keeping order.
func (p Property) values(it *item.Item) []string {
	raw := p.Extract(it)
	out := raw[:0]
	seen := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		if p.Normalize != nil {
			v = p.Normalize(v)
		}
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
