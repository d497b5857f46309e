// Package dns renders name service data for system interfaces.
//
// Every interface with a dns_name contributes an A record for its IPv4
// address, an AAAA record for its IPv6 address, and a PTR record for each
// in the matching reverse zone. The "bind" module writes zone files and a
// named.conf include; the "hosts" module writes a hosts(5) file.
package dns

import (
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"provisiond/internal/collection"
	"provisiond/internal/item"
	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// Record is one resource record, relative to its zone.
type Record struct {
	Name  string
	Type  string
	Value string
}

// Zone is a forward or reverse zone with its records sorted.
type Zone struct {
	Name    string
	Serial  uint32
	Records []Record
}

// address is a name bound to an address.
type address struct {
	FQDN     string
	Short    string
	Addr     netip.Addr
	Modified time.Time
}

// collect returns every (name, address) pair in host order. Names without
// a dot are qualified with domain.
func collect(hosts []manager.Host, domain string) []address {
	var out []address
	for _, h := range hosts {
		if h.DNSName == "" {
			continue
		}
		fqdn := h.DNSName
		if !strings.Contains(fqdn, ".") && domain != "" {
			fqdn += "." + domain
		}
		short, _, _ := strings.Cut(fqdn, ".")
		for _, s := range []string{h.IP, h.IPv6} {
			if a, err := netip.ParseAddr(s); err == nil {
				out = append(out, address{FQDN: fqdn, Short: short, Addr: a, Modified: h.Modified})
			}
		}
	}
	return out
}

// forwardZone returns the zone fqdn belongs to and its label there. Names
// under domain belong to domain; anything else to its parent name.
func forwardZone(fqdn, domain string) (zone, label string) {
	if domain != "" {
		if l, ok := strings.CutSuffix(fqdn, "."+domain); ok {
			return domain, l
		}
		if fqdn == domain {
			return domain, "@"
		}
	}
	label, zone, ok := strings.Cut(fqdn, ".")
	if !ok {
		return fqdn, "@"
	}
	return zone, label
}

// reverseZone returns the reverse zone and label for a: a /24 for IPv4 and
// a /64 for IPv6.
func reverseZone(a netip.Addr) (zone, label string) {
	if a.Is4() {
		b := a.As4()
		return fmt.Sprintf("%d.%d.%d.in-addr.arpa", b[2], b[1], b[0]), fmt.Sprint(b[3])
	}
	b := a.As16()
	nibbles := make([]string, 0, 32)
	for i := 15; i >= 0; i-- {
		nibbles = append(nibbles, fmt.Sprintf("%x", b[i]&0x0f), fmt.Sprintf("%x", b[i]>>4))
	}
	return strings.Join(nibbles[16:], ".") + ".ip6.arpa", strings.Join(nibbles[:16], ".")
}

// buildZones groups addresses into forward and reverse zones. A zone's
// serial is the latest modification time of the systems in it, so it only
// moves when its content can have changed.
func buildZones(addrs []address, domain string) []Zone {
	zones := make(map[string]*Zone)
	add := func(zone string, r Record, mod time.Time) {
		z, ok := zones[zone]
		if !ok {
			z = &Zone{Name: zone, Serial: 1}
			zones[zone] = z
		}
		if s := uint32(mod.Unix()); mod.Unix() > 0 && s > z.Serial {
			z.Serial = s
		}
		if !slices.Contains(z.Records, r) {
			z.Records = append(z.Records, r)
		}
	}
	for _, a := range addrs {
		zone, label := forwardZone(a.FQDN, domain)
		typ := "A"
		if a.Addr.Is6() {
			typ = "AAAA"
		}
		add(zone, Record{Name: label, Type: typ, Value: a.Addr.String()}, a.Modified)

		rzone, rlabel := reverseZone(a.Addr)
		add(rzone, Record{Name: rlabel, Type: "PTR", Value: a.FQDN + "."}, a.Modified)
	}
	if domain != "" {
		if _, ok := zones[domain]; !ok {
			zones[domain] = &Zone{Name: domain, Serial: 1}
		}
	}

	out := make([]Zone, 0, len(zones))
	for _, z := range zones {
		slices.SortFunc(z.Records, func(a, b Record) int {
			return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Type, b.Type), cmp.Compare(a.Value, b.Value))
		})
		out = append(out, *z)
	}
	slices.SortFunc(out, func(a, b Zone) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Manager is shared by the dns modules; render does the module-specific
// part.
type Manager struct {
	*manager.Base
	domain string
	render func(m *Manager, addrs []address) ([]pipeline.Artifact, error)
}

var (
	_ pipeline.Manager   = (*Manager)(nil)
	_ pipeline.Restarter = (*Manager)(nil)
	_ pipeline.Selective = (*Manager)(nil)
)

func newManager(p manager.Params, render func(*Manager, []address) ([]pipeline.Artifact, error)) (*Manager, error) {
	base, err := manager.NewBase(p)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Base:   base,
		domain: strings.TrimSuffix(strings.ToLower(p.Settings.Domain), "."),
		render: render,
	}, nil
}

// Affects reports true for systems only: names and addresses live on
// their interfaces.
func (m *Manager) Affects(kind item.Kind) bool { return kind == item.KindSystem }

// Render builds the module's files from the snapshot.
func (m *Manager) Render(_ context.Context, snap *collection.Snapshot) ([]pipeline.Artifact, error) {
	hosts, errs := manager.Hosts(snap, "")
	for _, err := range errs {
		m.Logger().Warn("system left out of dns data", "error", err)
	}
	return m.render(m, collect(hosts, m.domain))
}
