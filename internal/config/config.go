// Package config loads the daemon settings.
//
// Settings live in <home>/settings.yaml. Every key is optional: Load starts
// from Default() and overlays whatever the file sets, so a missing file or
// an empty one yields a working single-host setup. Settings are read once at
// start; changing them requires a restart.
//
// Settings does not know which backends or managers are compiled in. Names
// such as backend or dhcp.module are checked against the registries when
// the orchestrator is built.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gopkg.in/yaml.v3"

	"provisiond/internal/index"
	"provisiond/internal/item"
	"provisiond/internal/logging"
)

// ServiceSettings configures one downstream service manager.
type ServiceSettings struct {
	// Module selects the manager implementation, e.g. "isc" or "dnsmasq".
	Module  string `yaml:"module"`
	Enabled bool   `yaml:"enabled"`
	// Output is the directory generated files are written to. Relative paths
	// are resolved against the home directory.
	Output string `yaml:"output,omitempty"`
	// Restart runs RestartCommand after a successful apply.
	Restart        bool     `yaml:"restart"`
	RestartCommand []string `yaml:"restart_command,omitempty"`
	// Domain is the DNS domain appended to short hostnames.
	Domain string `yaml:"domain,omitempty"`
	// NextServer is the boot server address handed to PXE clients.
	NextServer string `yaml:"next_server,omitempty"`
	// Params carries module-specific options.
	Params map[string]string `yaml:"params,omitempty"`
}

// Settings is the full daemon configuration.
type Settings struct {
	Backend       string            `yaml:"backend"`
	BackendParams map[string]string `yaml:"backend_params,omitempty"`

	// LazyStart loads only item names at start and materializes the rest on
	// demand and in the background.
	LazyStart bool `yaml:"lazy_start"`
	// FillerRate caps background materialization in items per second per
	// collection. Zero means unthrottled.
	FillerRate float64 `yaml:"filler_rate"`

	// SyncCron schedules periodic full syncs. Empty disables them.
	SyncCron string `yaml:"sync_cron,omitempty"`
	// SyncWorkers bounds how many managers run concurrently in one sync.
	SyncWorkers int `yaml:"sync_workers"`

	DHCP ServiceSettings `yaml:"dhcp"`
	DNS  ServiceSettings `yaml:"dns"`
	TFTP ServiceSettings `yaml:"tftp"`

	AllowDuplicateMACs      bool `yaml:"allow_duplicate_macs"`
	AllowDuplicateIPs       bool `yaml:"allow_duplicate_ips"`
	AllowDuplicateHostnames bool `yaml:"allow_duplicate_hostnames"`

	// Indexes overrides the built-in index table, per collection kind and
	// index name.
	Indexes map[item.Kind]map[string]index.Definition `yaml:"indexes,omitempty"`

	// Defaults supplies values for attributes that resolve through the whole
	// parent chain without finding one. The "*" kind applies to all kinds.
	Defaults map[item.Kind]map[string]string `yaml:"defaults,omitempty"`

	TriggerDir     string        `yaml:"trigger_dir,omitempty"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`

	// ResolveCacheSize bounds the resolved-attribute cache, in items.
	ResolveCacheSize int `yaml:"resolve_cache_size"`

	LogLevel  string            `yaml:"log_level"`
	LogLevels map[string]string `yaml:"log_levels,omitempty"`
}

// Default returns the settings used for every key the file omits.
func Default() *Settings {
	return &Settings{
		Backend:     "file",
		LazyStart:   true,
		FillerRate:  500,
		SyncWorkers: 3,
		DHCP: ServiceSettings{
			Module:         "isc",
			Enabled:        true,
			RestartCommand: []string{"systemctl", "restart", "dhcpd"},
		},
		DNS: ServiceSettings{
			Module:         "bind",
			Enabled:        true,
			RestartCommand: []string{"rndc", "reload"},
			Domain:         "example.org",
		},
		TFTP: ServiceSettings{
			Module:  "pxe",
			Enabled: true,
		},
		Defaults: map[item.Kind]map[string]string{
			item.WildcardKind: {
				"virt_ram":    "512",
				"virt_cpus":   "1",
				"virt_type":   "kvm",
				"boot_loader": "pxelinux",
			},
		},
		TriggerTimeout:   30 * time.Second,
		ResolveCacheSize: 4096,
		LogLevel:         "info",
	}
}

// Load reads path over Default(). A missing file is not an error.
func Load(path string) (*Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// normalize copies map keys into the definitions they name.
func (s *Settings) normalize() {
	for kind, defs := range s.Indexes {
		for name, d := range defs {
			d.Name = name
			s.Indexes[kind][name] = d
		}
	}
}

// Validate reports every problem found, joined.
func (s *Settings) Validate() error {
	var errs []error
	if s.Backend == "" {
		errs = append(errs, errors.New("backend: must be set"))
	}
	if s.FillerRate < 0 {
		errs = append(errs, errors.New("filler_rate: must not be negative"))
	}
	if s.SyncWorkers < 1 {
		errs = append(errs, errors.New("sync_workers: must be at least 1"))
	}
	if s.TriggerTimeout < 0 {
		errs = append(errs, errors.New("trigger_timeout: must not be negative"))
	}
	if s.ResolveCacheSize < 0 {
		errs = append(errs, errors.New("resolve_cache_size: must not be negative"))
	}
	if err := ValidateCron(s.SyncCron); err != nil {
		errs = append(errs, fmt.Errorf("sync_cron: %w", err))
	}
	for name, svc := range map[string]ServiceSettings{"dhcp": s.DHCP, "dns": s.DNS, "tftp": s.TFTP} {
		if svc.Enabled && svc.Module == "" {
			errs = append(errs, fmt.Errorf("%s.module: must be set when enabled", name))
		}
		if svc.Restart && len(svc.RestartCommand) == 0 {
			errs = append(errs, fmt.Errorf("%s.restart_command: must be set when restart is on", name))
		}
	}
	for kind := range s.Indexes {
		if !slices.Contains(item.Kinds, kind) {
			errs = append(errs, fmt.Errorf("indexes: %w %q", item.ErrUnknownKind, kind))
			continue
		}
		for _, d := range s.IndexDefinitions(kind) {
			if err := d.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("indexes.%s: %w", kind, err))
			}
		}
	}
	for kind := range s.Defaults {
		if kind != item.WildcardKind && !slices.Contains(item.Kinds, kind) {
			errs = append(errs, fmt.Errorf("defaults: %w %q", item.ErrUnknownKind, kind))
		}
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	for comp, lv := range s.LogLevels {
		if _, err := logging.ParseLevel(lv); err != nil {
			errs = append(errs, fmt.Errorf("log_levels.%s: %w", comp, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateCron checks a cron expression. Both 5-field (minute-level) and
// 6-field (second-level) syntax are accepted; "" is valid and means off.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Default implements the fallback half of item.Graph.
func (s *Settings) Default(kind item.Kind, key string) (string, bool) {
	v, ok := s.Defaults[kind][key]
	return v, ok
}

// builtinIndexes is the index table every collection starts from.
var builtinIndexes = map[item.Kind][]index.Definition{
	item.KindDistro: {
		{Name: "uid", Property: "uid"},
		{Name: "arch", Property: "arch", NonUnique: true},
	},
	item.KindProfile: {
		{Name: "uid", Property: "uid"},
		{Name: "parent", Property: "parent", NonUnique: true},
		{Name: "repos", Property: "repos", NonUnique: true},
		{Name: "menu", Property: "menu", NonUnique: true},
	},
	item.KindImage: {
		{Name: "uid", Property: "uid"},
		{Name: "menu", Property: "menu", NonUnique: true},
	},
	item.KindMenu: {
		{Name: "uid", Property: "uid"},
		{Name: "parent", Property: "parent", NonUnique: true},
	},
	item.KindRepo: {
		{Name: "uid", Property: "uid"},
	},
	item.KindSystem: {
		{Name: "uid", Property: "uid"},
		{Name: "parent", Property: "parent", NonUnique: true},
		{Name: "mac_address", Property: "mac_address"},
		{Name: "ip_address", Property: "ip_address"},
		{Name: "ipv6_address", Property: "ipv6_address"},
		{Name: "dns_name", Property: "dns_name"},
	},
}

// duplicateFlags maps each allow_duplicate_* flag to the system indexes it
// relaxes.
func (s *Settings) duplicateFlags() map[string]bool {
	return map[string]bool{
		"mac_address":  s.AllowDuplicateMACs,
		"ip_address":   s.AllowDuplicateIPs,
		"ipv6_address": s.AllowDuplicateIPs,
		"dns_name":     s.AllowDuplicateHostnames,
	}
}

// IndexDefinitions returns the effective index table for kind: the built-in
// definitions, replaced or extended by the indexes section, and finally
// relaxed by the allow_duplicate_* flags. Each of those flags makes the
// matching system index both nonunique and disabled; the indexes section
// can set either knob on its own.
func (s *Settings) IndexDefinitions(kind item.Kind) []index.Definition {
	base := builtinIndexes[kind]
	overrides := s.Indexes[kind]

	defs := make([]index.Definition, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(base))
	for _, d := range base {
		if o, ok := overrides[d.Name]; ok {
			if o.Property == "" {
				o.Property = d.Property
			}
			o.Name = d.Name
			d = o
		}
		seen[d.Name] = true
		defs = append(defs, d)
	}
	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		if seen[name] {
			continue
		}
		d := overrides[name]
		d.Name = name
		if d.Property == "" {
			d.Property = name
		}
		defs = append(defs, d)
	}

	if kind == item.KindSystem {
		flags := s.duplicateFlags()
		for i := range defs {
			if flags[defs[i].Name] {
				defs[i].NonUnique = true
				defs[i].Disabled = true
			}
		}
	}
	return defs
}
