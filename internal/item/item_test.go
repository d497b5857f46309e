package item

import (
	"errors"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"distro", KindDistro},
		{"distros", KindDistro},
		{"Profiles", KindProfile},
		{"system", KindSystem},
		{"repos", KindRepo},
		{"menus", KindMenu},
		{"images", KindImage},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if err != nil {
				t.Fatalf("ParseKind(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseKind("widget"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(widget) error = %v, want ErrUnknownKind", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	it := New(KindSystem, "s1")
	it.SetAttr("kernel", "vmlinuz")
	it.SetOption("kernel_options", "quiet", "")
	it.SetInterface("eth0", Interface{MACAddress: "aa:bb:cc:dd:ee:ff"})

	c := it.Clone()
	c.SetAttr("kernel", "other")
	c.SetOption("kernel_options", "console", "ttyS0")
	c.SetInterface("eth0", Interface{MACAddress: "00:00:00:00:00:01"})

	if it.Attributes["kernel"] != "vmlinuz" {
		t.Error("clone shares Attributes with original")
	}
	if _, ok := it.Options["kernel_options"]["console"]; ok {
		t.Error("clone shares Options with original")
	}
	if it.Interfaces["eth0"].MACAddress != "aa:bb:cc:dd:ee:ff" {
		t.Error("clone shares Interfaces with original")
	}
}

func TestNewAssignsUID(t *testing.T) {
	a, b := New(KindDistro, "a"), New(KindDistro, "b")
	if a.UID == "" || a.UID == b.UID {
		t.Fatalf("expected distinct UIDs, got %q and %q", a.UID, b.UID)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		it   *Item
		ok   bool
	}{
		{"plain distro", &Item{Kind: KindDistro, Name: "d1"}, true},
		{"empty name", &Item{Kind: KindDistro}, false},
		{"slash in name", &Item{Kind: KindDistro, Name: "a/b"}, false},
		{"distro with parent", &Item{Kind: KindDistro, Name: "d1", Parent: "x"}, false},
		{"profile under distro", &Item{Kind: KindProfile, Name: "p1", Parent: "d1", ParentKind: KindDistro}, true},
		{"profile under image", &Item{Kind: KindProfile, Name: "p1", Parent: "i1", ParentKind: KindImage}, false},
		{"profile is own parent", &Item{Kind: KindProfile, Name: "p1", Parent: "p1", ParentKind: KindProfile}, false},
		{"repos on system", &Item{Kind: KindSystem, Name: "s1", Repos: []string{"r"}}, false},
		{"menu on image", &Item{Kind: KindImage, Name: "i1", Menu: "m"}, true},
		{"bad mac", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth0": {MACAddress: "zz"}}}, false},
		{"v6 in v4 slot", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth0": {IPAddress: "::1"}}}, false},
		{"good interface", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth0": {MACAddress: "AA:BB:CC:DD:EE:FF", IPAddress: "10.0.0.5"}}}, true},
		{"interfaces on profile", &Item{Kind: KindProfile, Name: "p1", Interfaces: map[string]Interface{"eth0": {}}}, false},
		{"name with punctuation", &Item{Kind: KindDistro, Name: "rhel-9.4_x86:64+updates"}, true},
		{"leading dot", &Item{Kind: KindDistro, Name: ".hidden"}, false},
		{"quote and newline in name", &Item{Kind: KindSystem, Name: "x\";\n}\nhost evil {"}, false},
		{"space in name", &Item{Kind: KindDistro, Name: "a b"}, false},
		{"long name", &Item{Kind: KindDistro, Name: strings.Repeat("a", 201)}, false},
		{"bad interface name", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth 0": {}}}, false},
		{"bad dns name", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth0": {DNSName: "a\"b.example.org"}}}, false},
		{"bad gateway", &Item{Kind: KindSystem, Name: "s1", Interfaces: map[string]Interface{"eth0": {Gateway: "10.0.0.1; evil"}}}, false},
		{"bad hostname", &Item{Kind: KindSystem, Name: "s1", Attributes: map[string]string{"hostname": "web 01"}}, false},
		{"inherited hostname", &Item{Kind: KindSystem, Name: "s1", Attributes: map[string]string{"hostname": Inherit}}, true},
		{"newline in attribute", &Item{Kind: KindDistro, Name: "d1", Attributes: map[string]string{"kernel": "/vmlinuz\nAPPEND evil"}}, false},
		{"newline in option", &Item{Kind: KindProfile, Name: "p1", Options: map[string]map[string]string{"kernel_options": {"quiet": "\n"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.it.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	it := &Item{Kind: KindSystem, Name: "s1"}
	it.SetInterface("eth0", Interface{
		MACAddress:  "AA-BB-CC-DD-EE-FF",
		IPv6Address: "2001:DB8:0:0::1",
		DNSName:     "Host.Example.COM.",
	})
	it.Normalize()

	got := it.Interfaces["eth0"]
	if got.MACAddress != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("mac = %q", got.MACAddress)
	}
	if got.IPv6Address != "2001:db8::1" {
		t.Errorf("ipv6 = %q", got.IPv6Address)
	}
	if got.DNSName != "host.example.com" {
		t.Errorf("dns name = %q", got.DNSName)
	}
	if it.UID == "" {
		t.Error("Normalize should assign a missing UID")
	}
}

func TestReferencesAndRetarget(t *testing.T) {
	p := &Item{Kind: KindProfile, Name: "p1", Parent: "d1", Repos: []string{"base", "updates"}, Menu: "m1"}

	refs := p.References()
	if len(refs) != 4 {
		t.Fatalf("got %d refs, want 4", len(refs))
	}
	if refs[0].Field != "parent" || refs[0].Name != "d1" {
		t.Errorf("first ref = %+v, want parent d1", refs[0])
	}
	if !p.RefersTo(Key{Kind: KindRepo, Name: "updates"}) {
		t.Error("profile should refer to repo updates")
	}
	if p.RefersTo(Key{Kind: KindSystem, Name: "d1"}) {
		t.Error("a system is never a profile's parent")
	}

	p.Retarget(Key{Kind: KindRepo, Name: "base"}, "base2")
	p.Retarget(Key{Kind: KindDistro, Name: "d1"}, "d2")
	p.Retarget(Key{Kind: KindMenu, Name: "m1"}, "m2")
	if p.Repos[0] != "base2" || p.Parent != "d2" || p.Menu != "m2" {
		t.Errorf("retarget failed: %+v", p)
	}
}

func TestValidHostname(t *testing.T) {
	for s, want := range map[string]bool{
		"web01":              true,
		"web01.example.org.": true,
		"_srv.example":       true,
		"":                   false,
		"a..b":               false,
		"a b":                false,
		"web01;":             false,
	} {
		if got := ValidHostname(s); got != want {
			t.Errorf("ValidHostname(%q) = %v", s, got)
		}
	}
	if ValidHostname(strings.Repeat("a", 64) + ".org") {
		t.Error("64-byte label accepted")
	}
}
