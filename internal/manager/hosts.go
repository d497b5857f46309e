package manager

import (
	"cmp"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"provisiond/internal/collection"
	"provisiond/internal/item"
)

// Host is one network interface of a system, with the resolved settings
// the DHCP, DNS and boot services need for it.
type Host struct {
	System    string
	Interface string

	MAC        string
	IP         string
	IPv6       string
	DNSName    string
	Netmask    string
	Gateway    string
	Hostname   string
	Management bool
	NextServer string
	BootLoader string
	Netboot    bool
	Boot       Boot
	Profile    string
	Image      string
	Modified   time.Time
}

// ID names the host in generated files, e.g. "web01-eth0".
func (h Host) ID() string { return Label(h.System + "-" + h.Interface) }

// Boot is what a network boot loads.
type Boot struct {
	Distro  string
	Kernel  string
	Initrd  string
	Options string // kernel command line
}

// Bootable reports whether there is a kernel to load.
func (b Boot) Bootable() bool { return b.Kernel != "" }

// Hosts expands every system in snap into one Host per interface, ordered
// by system then interface name. Systems whose chain cannot be resolved
// are left out and reported.
func Hosts(snap *collection.Snapshot, nextServer string) ([]Host, []error) {
	var hosts []Host
	var errs []error
	for r, err := range snap.Resolved(item.KindSystem) {
		if err != nil {
			errs = append(errs, fmt.Errorf("system %s: %w", r.Name, err))
			continue
		}
		boot := BootFor(snap, r)
		profile, _ := r.Ancestor(item.KindProfile)
		image, _ := r.Ancestor(item.KindImage)
		hostname := r.Value("hostname")
		if hostname == "" {
			hostname = Label(r.Name)
		}
		next := Value(snap, r, "next_server")
		if next == "" {
			next = nextServer
		}
		if err := checkHost(hostname, next); err != nil {
			errs = append(errs, fmt.Errorf("system %s: %w", r.Name, err))
			continue
		}
		for _, name := range r.InterfaceNames() {
			iface := r.Interfaces[name]
			hosts = append(hosts, Host{
				System:     r.Name,
				Interface:  name,
				MAC:        iface.MACAddress,
				IP:         iface.IPAddress,
				IPv6:       iface.IPv6Address,
				DNSName:    iface.DNSName,
				Netmask:    iface.Netmask,
				Gateway:    iface.Gateway,
				Hostname:   hostname,
				Management: iface.Management,
				NextServer: next,
				BootLoader: Value(snap, r, "boot_loader"),
				Netboot:    parseBool(Value(snap, r, "netboot_enabled"), true),
				Boot:       boot,
				Profile:    profile,
				Image:      image,
				Modified:   r.Mtime,
			})
		}
	}
	slices.SortStableFunc(hosts, func(a, b Host) int {
		return cmp.Or(cmp.Compare(a.System, b.System), cmp.Compare(a.Interface, b.Interface))
	})
	return hosts, errs
}

// Value returns the resolved scalar key of r. Keys no item on the chain
// mentions fall back to the configured defaults. Unresolvable keys are "".
func Value(g item.Graph, r *item.Resolved, key string) string {
	if v, ok := r.Values[key]; ok {
		return v
	}
	v, _ := item.Resolve(g, r.Item, key)
	return v
}

// BootFor returns the boot parameters of a resolved profile, image or
// system. Kernel and initrd come from the nearest item on the chain that
// sets them, normally the distro.
func BootFor(g item.Graph, r *item.Resolved) Boot {
	distro, _ := r.Ancestor(item.KindDistro)
	return Boot{
		Distro:  distro,
		Kernel:  Value(g, r, "kernel"),
		Initrd:  Value(g, r, "initrd"),
		Options: KernelOptions(r.Maps["kernel_options"]),
	}
}

// KernelOptions renders a kernel_options map as a command line. Keys are
// sorted; an empty value renders the bare key.
func KernelOptions(opts map[string]string) string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(opts)) {
		if v := opts[k]; v != "" {
			parts = append(parts, k+"="+v)
		} else {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, " ")
}

// Label turns a name into something safe as a config identifier or file
// name: letters, digits, '-', '_' and '.' are kept, everything else
// becomes '_'.
func Label(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// checkHost rejects a hostname or next server that cannot be written into
// a config file as is. Both may come from inherited or default values that
// item validation never saw.
func checkHost(hostname, next string) error {
	if !item.ValidHostname(hostname) {
		return fmt.Errorf("hostname %q is not a valid host name", hostname)
	}
	if next == "" {
		return nil
	}
	if _, err := netip.ParseAddr(next); err != nil && !item.ValidHostname(next) {
		return fmt.Errorf("next server %q is neither an address nor a host name", next)
	}
	return nil
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}
