// Package managertest builds object graphs for manager module tests.
package managertest

import (
	"context"
	"testing"

	"provisiond/internal/collection"
	"provisiond/internal/config"
	"provisiond/internal/item"
	"provisiond/internal/manager"
	"provisiond/internal/store/memory"
)

// Snapshot adds items, in order, to a fresh in-memory collection manager
// and returns a snapshot of the result.
func Snapshot(t *testing.T, items ...*item.Item) *collection.Snapshot {
	t.Helper()
	return SnapshotWith(t, config.Default(), items...)
}

// SnapshotWith is Snapshot under the given settings.
func SnapshotWith(t *testing.T, settings *config.Settings, items ...*item.Item) *collection.Snapshot {
	t.Helper()
	m, err := collection.New(collection.Config{
		Backend:  memory.NewStore(),
		Indexes:  settings.IndexDefinitions,
		Defaults: settings,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)
	ctx := context.Background()
	if err := m.Load(ctx, collection.LoadOptions{}); err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if err := m.Add(ctx, it, collection.AddOptions{}); err != nil {
			t.Fatalf("add %s: %v", it.Key(), err)
		}
	}
	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

// Graph returns a small network: distro d1 with a kernel, profile p1 with
// kernel options, and systems web01 (two interfaces, one netbooting) and
// db01 (netboot disabled).
func Graph() []*item.Item {
	d := item.New(item.KindDistro, "d1")
	d.SetAttr("arch", "x86_64")
	d.SetAttr("kernel", "/srv/distros/d1/vmlinuz")
	d.SetAttr("initrd", "/srv/distros/d1/initrd.img")
	d.SetOption("kernel_options", "console", "ttyS0")

	p := item.New(item.KindProfile, "p1")
	p.Parent = "d1"
	p.SetOption("kernel_options", "quiet", "")

	web := item.New(item.KindSystem, "web01")
	web.Parent = "p1"
	web.SetAttr("hostname", "web01")
	web.SetInterface("eth0", item.Interface{
		MACAddress: "AA:BB:CC:DD:EE:01",
		IPAddress:  "10.0.0.11",
		Netmask:    "255.255.255.0",
		Gateway:    "10.0.0.1",
		DNSName:    "web01.example.org",
	})
	web.SetInterface("eth1", item.Interface{
		MACAddress:  "aa:bb:cc:dd:ee:02",
		IPv6Address: "2001:db8::11",
		DNSName:     "web01-b.example.org",
	})

	db := item.New(item.KindSystem, "db01")
	db.Parent = "p1"
	db.SetAttr("netboot_enabled", "false")
	db.SetInterface("eth0", item.Interface{
		MACAddress: "aa:bb:cc:dd:ee:03",
		IPAddress:  "10.0.1.21",
		DNSName:    "db01.lab.internal",
	})
	return []*item.Item{d, p, web, db}
}

// Params returns factory parameters writing to a test directory.
func Params(t *testing.T, service string) manager.Params {
	t.Helper()
	return manager.Params{
		Service:   service,
		OutputDir: t.TempDir(),
	}
}
