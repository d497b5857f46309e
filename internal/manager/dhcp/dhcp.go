// Package dhcp renders DHCP host reservations for systems.
//
// Two modules are provided. "isc" writes a dhcpd.conf fragment with one
// host block per interface; "dnsmasq" writes dhcp-host lines and an ethers
// file. Interfaces without a MAC address get no reservation. Netboot
// settings (filename, next-server) are only emitted for systems with
// netboot enabled.
package dhcp

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"provisiond/internal/collection"
	"provisiond/internal/item"
	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// Module parameters.
const (
	// ParamHeader is copied verbatim to the top of the generated config,
	// typically subnet declarations.
	ParamHeader = "header"
)

// bootFiles maps a boot_loader value to the file PXE clients fetch.
var bootFiles = map[string]string{
	"pxelinux": "pxelinux.0",
	"grub":     "grub/grubx64.efi",
	"ipxe":     "undionly.kpxe",
}

// entry is a Host with the derived boot filename.
type entry struct {
	manager.Host
	Filename string
}

type view struct {
	Header string
	Hosts  []entry
}

// renderer is a module's template plus the file it produces.
type renderer struct {
	path string
	tmpl *template.Template
}

// Manager renders reservations through one or more templates.
type Manager struct {
	*manager.Base
	nextServer string
	header     string
	files      []renderer
}

var (
	_ pipeline.Manager   = (*Manager)(nil)
	_ pipeline.Restarter = (*Manager)(nil)
	_ pipeline.Selective = (*Manager)(nil)
)

func newManager(p manager.Params, files []renderer) (*Manager, error) {
	base, err := manager.NewBase(p)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Base:       base,
		nextServer: p.Settings.NextServer,
		header:     p.Settings.Params[ParamHeader],
		files:      files,
	}, nil
}

// Affects reports which kinds feed reservations: systems directly, and
// profiles, images and distros through inherited boot settings.
func (m *Manager) Affects(kind item.Kind) bool {
	switch kind {
	case item.KindSystem, item.KindProfile, item.KindImage, item.KindDistro:
		return true
	}
	return false
}

// Render builds the configuration files from the snapshot.
func (m *Manager) Render(_ context.Context, snap *collection.Snapshot) ([]pipeline.Artifact, error) {
	hosts, errs := manager.Hosts(snap, m.nextServer)
	for _, err := range errs {
		m.Logger().Warn("system left out of dhcp config", "error", err)
	}
	v := view{Header: m.header}
	for _, h := range hosts {
		if h.MAC == "" {
			continue
		}
		e := entry{Host: h}
		if h.Netboot {
			e.Filename = bootFiles[h.BootLoader]
			if e.Filename == "" {
				e.Filename = bootFiles["pxelinux"]
			}
		}
		v.Hosts = append(v.Hosts, e)
	}

	out := make([]pipeline.Artifact, 0, len(m.files))
	for _, f := range m.files {
		var buf bytes.Buffer
		if err := f.tmpl.Execute(&buf, v); err != nil {
			return nil, fmt.Errorf("render %s: %w", f.path, err)
		}
		out = append(out, pipeline.Artifact{Path: f.path, Data: buf.Bytes()})
	}
	return out, nil
}
