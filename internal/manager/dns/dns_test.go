package dns

import (
	"context"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"provisiond/internal/manager/managertest"
	"provisiond/internal/pipeline"
)

func renderFiles(t *testing.T, m pipeline.Manager) map[string]string {
	t.Helper()
	snap := managertest.Snapshot(t, managertest.Graph()...)
	files, err := m.Render(context.Background(), snap)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Path] = string(f.Data)
	}
	return out
}

func TestBind(t *testing.T) {
	p := managertest.Params(t, "dns")
	p.Settings.Domain = "example.org"
	m, err := NewBindFactory()(p)
	if err != nil {
		t.Fatal(err)
	}
	files := renderFiles(t, m)

	want := map[string][]string{
		"db.example.org": {
			"$ORIGIN example.org.\n",
			"@\tIN\tSOA\tns.example.org. hostmaster.example.org. (",
			"web01\tIN\tA\t10.0.0.11\n",
			"web01-b\tIN\tAAAA\t2001:db8::11\n",
		},
		"db.lab.internal": {
			"db01\tIN\tA\t10.0.1.21\n",
		},
		"db.0.0.10.in-addr.arpa": {
			"11\tIN\tPTR\tweb01.example.org.\n",
		},
		"db.1.0.10.in-addr.arpa": {
			"21\tIN\tPTR\tdb01.lab.internal.\n",
		},
		"db.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa": {
			"1.1.0.0.0.0.0.0.0.0.0.0.0.0.0.0\tIN\tPTR\tweb01-b.example.org.\n",
		},
	}
	for name, parts := range want {
		data, ok := files[name]
		if !ok {
			t.Errorf("missing %s (have %d files)", name, len(files))
			continue
		}
		for _, part := range parts {
			if !strings.Contains(data, part) {
				t.Errorf("%s missing %q:\n%s", name, part, data)
			}
		}
	}

	named := files["named.conf.provisiond"]
	stanza := "zone \"example.org\" {\n\ttype master;\n\tfile \"" + filepath.Join(p.OutputDir, "db.example.org") + "\";\n};"
	if !strings.Contains(named, stanza) {
		t.Errorf("named.conf missing %q:\n%s", stanza, named)
	}
	if n := strings.Count(named, "zone \""); n != len(want) {
		t.Errorf("named.conf lists %d zones, want %d", n, len(want))
	}
}

func TestBindSerialIsStable(t *testing.T) {
	p := managertest.Params(t, "dns")
	p.Settings.Domain = "example.org"
	m, err := NewBindFactory()(p)
	if err != nil {
		t.Fatal(err)
	}
	snap := managertest.Snapshot(t, managertest.Graph()...)
	ctx := context.Background()
	a, err := m.Render(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Render(ctx, snap)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if string(a[i].Data) != string(b[i].Data) {
			t.Errorf("%s differs between renders of the same snapshot", a[i].Path)
		}
	}
}

func TestBindBadTTL(t *testing.T) {
	p := managertest.Params(t, "dns")
	p.Settings.Params = map[string]string{ParamTTL: "soon"}
	if _, err := NewBindFactory()(p); err == nil {
		t.Error("bad ttl accepted")
	}
}

func TestHosts(t *testing.T) {
	p := managertest.Params(t, "dns")
	p.Settings.Domain = "example.org"
	m, err := NewHostsFactory()(p)
	if err != nil {
		t.Fatal(err)
	}
	got := renderFiles(t, m)["hosts"]
	want := "# Generated by provisiond. Local changes will be overwritten.\n" +
		"10.0.1.21\tdb01.lab.internal db01\n" +
		"10.0.0.11\tweb01.example.org web01\n" +
		"2001:db8::11\tweb01-b.example.org web01-b\n"
	if got != want {
		t.Errorf("hosts =\n%s\nwant\n%s", got, want)
	}
}

func TestZoneNames(t *testing.T) {
	tests := []struct {
		fqdn, domain string
		zone, label  string
	}{
		{"web.example.org", "example.org", "example.org", "web"},
		{"a.b.example.org", "example.org", "example.org", "a.b"},
		{"web.other.net", "example.org", "other.net", "web"},
		{"example.org", "example.org", "example.org", "@"},
	}
	for _, tt := range tests {
		zone, label := forwardZone(tt.fqdn, tt.domain)
		if zone != tt.zone || label != tt.label {
			t.Errorf("forwardZone(%q) = %q, %q; want %q, %q", tt.fqdn, zone, label, tt.zone, tt.label)
		}
	}

	zone, label := reverseZone(netip.MustParseAddr("192.168.4.7"))
	if zone != "4.168.192.in-addr.arpa" || label != "7" {
		t.Errorf("reverseZone v4 = %q, %q", zone, label)
	}
}
