package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"provisiond/internal/collection"
	"provisiond/internal/config"
	"provisiond/internal/home"
	"provisiond/internal/item"
	"provisiond/internal/manager"
	"provisiond/internal/orchestrator"
	"provisiond/internal/store"
	"provisiond/internal/store/file"
)

// testOpener opens a file backend under a temp home, so state survives
// between commands the way it does between CLI invocations.
func testOpener(t *testing.T) Opener {
	t.Helper()
	dir := home.New(t.TempDir())
	s := config.Default()
	s.DHCP.Enabled = false
	s.DNS.Enabled = false
	s.TFTP.Enabled = false
	f := orchestrator.Factories{
		Stores: store.Registry{"file": file.NewFactory()},
		StoreDefaults: map[string]func(home.Dir) map[string]string{
			"file": func(d home.Dir) map[string]string { return map[string]string{file.ParamDir: d.ItemsDir()} },
		},
		Managers: manager.Registry{},
	}
	return func(ctx context.Context) (*orchestrator.Orchestrator, error) {
		o, err := orchestrator.New(s, dir, f)
		if err != nil {
			return nil, err
		}
		if err := o.Load(ctx); err != nil {
			_ = o.Close()
			return nil, err
		}
		return o, nil
	}
}

func execute(t *testing.T, open Opener, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "provisiond", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(NewItemCommands(open)...)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, open Opener, args ...string) string {
	t.Helper()
	out, err := execute(t, open, args...)
	if err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestItemLifecycle(t *testing.T) {
	open := testOpener(t)
	mustExecute(t, open, "distro", "add", "d1", "--attr", "kernel=/srv/vmlinuz", "--option", "kernel_options:console=ttyS0")
	mustExecute(t, open, "profile", "add", "p1", "--parent", "d1", "--option", "kernel_options:quiet")
	mustExecute(t, open, "system", "add", "web01", "--parent", "p1",
		"--interface", "eth0:mac=AA:BB:CC:DD:EE:01",
		"--interface", "eth0:ip=10.0.0.11")

	out := mustExecute(t, open, "system", "list")
	if !strings.Contains(out, "web01") || !strings.Contains(out, "p1") {
		t.Errorf("list:\n%s", out)
	}

	out = mustExecute(t, open, "system", "get", "web01", "-o", "json")
	var got item.Item
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode get output: %v\n%s", err, out)
	}
	if got.Interfaces["eth0"].MACAddress != "aa:bb:cc:dd:ee:01" || got.Depth != 2 {
		t.Errorf("get = %+v", got)
	}

	out = mustExecute(t, open, "system", "get", "web01", "--resolved")
	if !strings.Contains(out, "kernel:") || !strings.Contains(out, "console=ttyS0 quiet") {
		t.Errorf("resolved view:\n%s", out)
	}

	out = mustExecute(t, open, "system", "find", "--index", "mac_address", "aa:bb:cc:dd:ee:01")
	if !strings.Contains(out, "web01") {
		t.Errorf("find by index:\n%s", out)
	}
	out = mustExecute(t, open, "system", "find", "name=web*")
	if !strings.Contains(out, "web01") {
		t.Errorf("find by pattern:\n%s", out)
	}

	mustExecute(t, open, "system", "edit", "web01", "--comment", "frontend")
	if out := mustExecute(t, open, "system", "get", "web01"); !strings.Contains(out, "frontend") {
		t.Errorf("edit not persisted:\n%s", out)
	}

	mustExecute(t, open, "profile", "rename", "p1", "base")
	out = mustExecute(t, open, "system", "get", "web01", "-o", "yaml")
	if !strings.Contains(out, "parent: base") {
		t.Errorf("rename did not update the child:\n%s", out)
	}

	out = mustExecute(t, open, "distro", "descendants", "d1")
	if !strings.Contains(out, "base") || !strings.Contains(out, "web01") {
		t.Errorf("descendants:\n%s", out)
	}

	if _, err := execute(t, open, "distro", "remove", "d1"); !errors.Is(err, collection.ErrDanglingParentReference) {
		t.Errorf("remove with dependents: %v", err)
	}
	mustExecute(t, open, "distro", "remove", "d1", "--recursive")
	if out := mustExecute(t, open, "system", "list", "-o", "json"); strings.TrimSpace(out) != "[]" {
		t.Errorf("recursive remove left %s", out)
	}
}

func TestAddConstraintErrors(t *testing.T) {
	open := testOpener(t)
	mustExecute(t, open, "distro", "add", "d1")
	mustExecute(t, open, "profile", "add", "p1", "--parent", "d1")
	mustExecute(t, open, "system", "add", "a", "--parent", "p1", "--interface", "eth0:mac=aa:bb:cc:dd:ee:01")

	_, err := execute(t, open, "system", "add", "b", "--parent", "p1", "--interface", "eth0:mac=aa:bb:cc:dd:ee:01")
	if !errors.Is(err, collection.ErrDuplicateIndexedValue) {
		t.Errorf("duplicate MAC: %v", err)
	}
	if _, err := execute(t, open, "system", "add", "a", "--parent", "p1"); !errors.Is(err, collection.ErrDuplicateName) {
		t.Errorf("duplicate name: %v", err)
	}
	if _, err := execute(t, open, "profile", "add", "p2", "--parent", "nope"); !errors.Is(err, collection.ErrDanglingParentReference) {
		t.Errorf("dangling parent: %v", err)
	}
	out := mustExecute(t, open, "system", "add", "c", "--parent", "p1", "--check")
	if !strings.Contains(out, "passes every check") {
		t.Errorf("check output: %q", out)
	}
	if out := mustExecute(t, open, "system", "list"); strings.Contains(out, "c ") {
		t.Errorf("--check added the item:\n%s", out)
	}
}

func TestAddFromFile(t *testing.T) {
	open := testOpener(t)
	p := filepath.Join(t.TempDir(), "d1.yaml")
	body := "kind: distro\nattributes:\n  kernel: /srv/vmlinuz\n  arch: x86_64\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	mustExecute(t, open, "distro", "add", "d1", "--from", p, "--attr", "arch=aarch64")
	out := mustExecute(t, open, "distro", "get", "d1")
	if !strings.Contains(out, "/srv/vmlinuz") || !strings.Contains(out, "aarch64") {
		t.Errorf("get:\n%s", out)
	}

	if err := os.WriteFile(p, []byte("kind: system\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, open, "distro", "add", "d2", "--from", p); err == nil {
		t.Error("file of another kind accepted")
	}
}

func TestBadFlags(t *testing.T) {
	open := testOpener(t)
	for _, args := range [][]string{
		{"distro", "add", "d1", "--attr", "novalue"},
		{"distro", "add", "d1", "--option", "kernel_options"},
		{"system", "add", "s1", "--interface", "eth0:colour=red"},
		{"system", "list", "-o", "xml"},
	} {
		if _, err := execute(t, open, args...); err == nil {
			t.Errorf("%v accepted", args)
		}
	}
}
