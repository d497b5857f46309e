// Package tftp builds the network boot tree served over TFTP.
//
// The "pxe" module writes:
//
//	pxelinux.cfg/default            BIOS boot menu of x86 profiles and images
//	grub/menu-<arch>.cfg            grub boot menu per architecture
//	pxelinux.cfg/01-<mac>           per-system config (pxelinux systems)
//	grub/system/<mac>               per-system config (grub systems)
//	images/<distro>/<file>          staged kernel and initrd
//	<loader files>                  copied from the loader_dir parameter
//
// Systems with netboot disabled get a config that boots the local disk.
package tftp

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"provisiond/internal/collection"
	"provisiond/internal/item"
	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// Module parameters.
const (
	// ParamLoaderDir is where pxelinux.0 and its modules are copied from.
	// Empty skips loader staging.
	ParamLoaderDir = "loader_dir"
	// ParamMenuTitle is the title of the boot menu.
	ParamMenuTitle = "menu_title"
	// ParamTimeout is the menu timeout in tenths of a second.
	ParamTimeout = "timeout"
)

var loaderFiles = []string{"pxelinux.0", "ldlinux.c32", "menu.c32", "libutil.c32"}

// entry is one bootable choice.
type entry struct {
	Label  string
	Title  string
	Kernel string
	Initrd string
	Append string
}

// memdisk is the kernel images boot through. Only pxelinux has it.
const memdisk = "memdisk"

// placed is a boot entry with the architecture and menu it belongs to.
type placed struct {
	arch  string
	menu  string
	entry entry
}

// menu is a boot menu with its entries and submenus.
type menu struct {
	Name     string
	Title    string
	Entries  []entry
	Children []*menu
}

func (mn *menu) empty() bool { return len(mn.Entries) == 0 && len(mn.Children) == 0 }

// prune drops submenus that hold no entries at any depth.
func (mn *menu) prune() {
	kept := mn.Children[:0]
	for _, c := range mn.Children {
		c.prune()
		if !c.empty() {
			kept = append(kept, c)
		}
	}
	mn.Children = kept
}

// Manager is the "pxe" module.
type Manager struct {
	*manager.Base
	nextServer string
	loaderDir  string
	title      string
	timeout    int
}

var (
	_ pipeline.Manager   = (*Manager)(nil)
	_ pipeline.Restarter = (*Manager)(nil)
	_ pipeline.Selective = (*Manager)(nil)
)

// NewPXEFactory returns the factory for the "pxe" module.
func NewPXEFactory() manager.Factory {
	return func(p manager.Params) (pipeline.Manager, error) {
		base, err := manager.NewBase(p)
		if err != nil {
			return nil, err
		}
		m := &Manager{
			Base:       base,
			nextServer: p.Settings.NextServer,
			loaderDir:  p.Settings.Params[ParamLoaderDir],
			title:      p.Settings.Params[ParamMenuTitle],
			timeout:    200,
		}
		if m.title == "" {
			m.title = "provisiond"
		}
		if s := p.Settings.Params[ParamTimeout]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("tftp: bad %s %q", ParamTimeout, s)
			}
			m.timeout = n
		}
		return m, nil
	}
}

// Affects reports true for every kind but repositories.
func (m *Manager) Affects(kind item.Kind) bool { return kind != item.KindRepo }

// Render builds the boot tree from the snapshot.
func (m *Manager) Render(_ context.Context, snap *collection.Snapshot) ([]pipeline.Artifact, error) {
	var files []pipeline.Artifact
	staged := make(map[string]bool)
	stage := func(distro, src string) string {
		if src == "" {
			return ""
		}
		rel := path.Join("images", manager.Label(distro), path.Base(src))
		if !staged[rel] {
			staged[rel] = true
			files = append(files, pipeline.Artifact{Path: rel, Source: src})
		}
		return "/" + rel
	}

	bootable := m.bootables(snap, stage)
	menus, err := m.renderMenus(snap, bootable)
	if err != nil {
		return nil, err
	}
	files = append(files, menus...)

	hosts, errs := manager.Hosts(snap, m.nextServer)
	for _, err := range errs {
		m.Logger().Warn("system left out of boot tree", "error", err)
	}
	order := make(map[string]int)
	for i, it := range snap.Items(item.KindSystem) {
		order[it.Name] = i
	}
	slices.SortStableFunc(hosts, func(a, b manager.Host) int {
		return cmp.Compare(order[a.System], order[b.System])
	})
	owners := make(map[string]string)
	for _, h := range hosts {
		if h.MAC == "" {
			continue
		}
		mac := strings.ToLower(h.MAC)
		if owner, taken := owners[mac]; taken {
			m.Logger().Warn("duplicate mac left out of boot tree", "mac", mac, "interface", h.ID(), "kept", owner)
			continue
		}
		owners[mac] = h.ID()
		f, err := m.systemConfig(snap, h, stage)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	if m.loaderDir != "" {
		for _, name := range loaderFiles {
			files = append(files, pipeline.Artifact{Path: name, Source: filepath.Join(m.loaderDir, name)})
		}
	}
	return files, nil
}

// bootables returns a boot entry for every profile and image that shows
// in a menu, profiles first, each in insertion order.
func (m *Manager) bootables(snap *collection.Snapshot, stage func(distro, src string) string) []placed {
	var out []placed
	for _, kind := range []item.Kind{item.KindProfile, item.KindImage} {
		for r, err := range snap.Resolved(kind) {
			if err != nil {
				m.Logger().Warn("left out of boot menu", "kind", kind, "name", r.Name, "error", err)
				continue
			}
			if manager.Value(snap, r, "enable_menu") == "false" {
				continue
			}
			e, ok := bootEntry(snap, r, stage)
			if !ok {
				continue
			}
			out = append(out, placed{arch: archOf(snap, r), menu: r.Menu, entry: e})
		}
	}
	return out
}

// renderMenus writes the BIOS pxelinux menu, holding the x86 entries, and
// one grub menu per architecture that has entries.
func (m *Manager) renderMenus(snap *collection.Snapshot, bootable []placed) ([]pipeline.Artifact, error) {
	var files []pipeline.Artifact

	bios := buildMenu(snap, bootable, func(p placed) bool { return biosArch[p.arch] })
	var buf bytes.Buffer
	err := defaultTmpl.Execute(&buf, struct {
		Title   string
		Timeout int
		Root    *menu
	}{m.title, m.timeout, bios})
	if err != nil {
		return nil, fmt.Errorf("render boot menu: %w", err)
	}
	files = append(files, pipeline.Artifact{Path: "pxelinux.cfg/default", Data: buf.Bytes()})

	var arches []string
	for _, p := range bootable {
		if !slices.Contains(arches, p.arch) {
			arches = append(arches, p.arch)
		}
	}
	slices.Sort(arches)
	for _, arch := range arches {
		root := buildMenu(snap, bootable, func(p placed) bool {
			return p.arch == arch && p.entry.Kernel != memdisk
		})
		if root.empty() {
			continue
		}
		buf.Reset()
		err := grubMenuTmpl.Execute(&buf, struct {
			Timeout int
			Root    *menu
		}{(m.timeout + 9) / 10, root})
		if err != nil {
			return nil, fmt.Errorf("render %s grub menu: %w", arch, err)
		}
		files = append(files, pipeline.Artifact{Path: path.Join("grub", "menu-"+arch+".cfg"), Data: bytes.Clone(buf.Bytes())})
	}
	return files, nil
}

// biosArch lists the architectures pxelinux boots.
var biosArch = map[string]bool{"x86_64": true, "i386": true}

// archOf returns the normalised architecture of a resolved item. Unset
// means x86_64.
func archOf(g item.Graph, r *item.Resolved) string {
	switch a := strings.ToLower(manager.Value(g, r, "arch")); a {
	case "", "x86_64", "amd64":
		return "x86_64"
	case "i386", "i486", "i586", "i686", "x86":
		return "i386"
	case "arm64":
		return "aarch64"
	default:
		return manager.Label(a)
	}
}

// buildMenu places the entries keep accepts under their menus. Menus nest
// through their parent; entries without a menu go to the top level. Menus
// left without entries are dropped.
func buildMenu(snap *collection.Snapshot, bootable []placed, keep func(placed) bool) *menu {
	root := &menu{}
	menus := make(map[string]*menu)
	for _, it := range snap.Items(item.KindMenu) {
		title := it.Attributes["display_name"]
		if title == "" {
			title = it.Name
		}
		menus[it.Name] = &menu{Name: manager.Label(it.Name), Title: title}
	}
	for _, it := range snap.Items(item.KindMenu) {
		parent := root
		if p, ok := menus[it.Parent]; ok && it.Parent != "" {
			parent = p
		}
		parent.Children = append(parent.Children, menus[it.Name])
	}

	for _, p := range bootable {
		if !keep(p) {
			continue
		}
		target := root
		if mn, ok := menus[p.menu]; ok {
			target = mn
		}
		target.Entries = append(target.Entries, p.entry)
	}
	root.prune()
	return root
}

// bootEntry describes how to boot a resolved profile, image or system.
// Images boot their file through memdisk.
func bootEntry(g item.Graph, r *item.Resolved, stage func(distro, src string) string) (entry, bool) {
	e := entry{Label: manager.Label(r.Name), Title: r.Name}
	if r.Kind == item.KindImage {
		file := manager.Value(g, r, "file")
		if file == "" {
			return e, false
		}
		e.Kernel = memdisk
		e.Initrd = stage(r.Name, file)
		e.Append = "iso raw"
		return e, true
	}
	if r.Kind == item.KindSystem {
		if img, ok := r.Ancestor(item.KindImage); ok {
			if it, found := g.Lookup(item.KindImage, img); found {
				ir, err := item.Blend(g, it)
				if err != nil {
					return e, false
				}
				return bootEntry(g, ir, stage)
			}
		}
	}
	boot := manager.BootFor(g, r)
	if !boot.Bootable() {
		return e, false
	}
	e.Kernel = stage(boot.Distro, boot.Kernel)
	e.Initrd = stage(boot.Distro, boot.Initrd)
	e.Append = boot.Options
	return e, true
}

func (m *Manager) systemConfig(snap *collection.Snapshot, h manager.Host, stage func(distro, src string) string) (pipeline.Artifact, error) {
	e := entry{Label: manager.Label(h.System), Title: h.System}
	bootable := false
	if it, ok := snap.Lookup(item.KindSystem, h.System); ok && h.Netboot {
		if r, err := snap.Blend(it); err == nil {
			var be entry
			if be, bootable = bootEntry(snap, r, stage); bootable {
				e.Kernel, e.Initrd, e.Append = be.Kernel, be.Initrd, be.Append
			}
		}
	}
	data := struct {
		Entry    entry
		Bootable bool
	}{e, bootable}

	mac := strings.ToLower(h.MAC)
	var buf bytes.Buffer
	var p string
	var err error
	if h.BootLoader == "grub" {
		p = path.Join("grub", "system", mac)
		err = grubTmpl.Execute(&buf, data)
	} else {
		p = path.Join("pxelinux.cfg", "01-"+strings.ReplaceAll(mac, ":", "-"))
		err = systemTmpl.Execute(&buf, data)
	}
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("render boot config for %s: %w", h.ID(), err)
	}
	return pipeline.Artifact{Path: p, Data: buf.Bytes()}, nil
}
