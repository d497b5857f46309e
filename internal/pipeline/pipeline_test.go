package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"provisiond/internal/collection"
	"provisiond/internal/config"
	"provisiond/internal/item"
	"provisiond/internal/store/memory"
	"provisiond/internal/trigger"
)

// recorder collects a shared, ordered log of manager and trigger activity.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lines)
}

// fakeManager renders one file listing the systems in the snapshot.
type fakeManager struct {
	name     string
	dir      string
	kinds    []item.Kind // nil means not Selective
	applyErr error
	rec      *recorder
	block    chan struct{}

	mu       sync.Mutex
	renders  int
	restarts int
}

func (f *fakeManager) Name() string { return f.name }

func (f *fakeManager) Render(_ context.Context, snap *collection.Snapshot) ([]Artifact, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.renders++
	f.mu.Unlock()
	if f.rec != nil {
		f.rec.add("render %s", f.name)
	}
	var names []string
	for _, it := range snap.Items(item.KindSystem) {
		names = append(names, it.Name)
	}
	return []Artifact{{Path: f.name + ".conf", Data: []byte(strings.Join(names, "\n"))}}, nil
}

func (f *fakeManager) Apply(_ context.Context, files []Artifact) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	_, err := WriteArtifacts(f.dir, files)
	return err
}

func (f *fakeManager) Restart(context.Context) error {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
	return nil
}

func (f *fakeManager) counts() (renders, restarts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renders, f.restarts
}

// selectiveManager is a fakeManager that only cares about some kinds.
type selectiveManager struct{ *fakeManager }

func (s selectiveManager) Affects(kind item.Kind) bool { return slices.Contains(s.kinds, kind) }

type fakeTriggers struct {
	rec  *recorder
	fail map[string]bool
}

func (f *fakeTriggers) Run(_ context.Context, path string, ev trigger.Event) error {
	f.rec.add("trigger %s %s %s", path, ev.Name, ev.Change)
	if f.fail[path] {
		return &trigger.TriggerError{Script: path, ExitCode: 1}
	}
	return nil
}

func newSource(t *testing.T) *collection.Manager {
	t.Helper()
	settings := config.Default()
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
	d := item.New(item.KindDistro, "d1")
	d.SetAttr("arch", "x86_64")
	p := item.New(item.KindProfile, "p1")
	p.Parent = "d1"
	s := item.New(item.KindSystem, "s1")
	s.Parent = "p1"
	s.SetInterface("eth0", item.Interface{MACAddress: "aa:bb:cc:dd:ee:01"})
	for _, it := range []*item.Item{d, p, s} {
		if err := m.Add(ctx, it, collection.AddOptions{}); err != nil {
			t.Fatalf("Add %s: %v", it.Key(), err)
		}
	}
	return m
}

func TestFullSyncIsolatesManagerFailure(t *testing.T) {
	src := newSource(t)
	out := t.TempDir()
	dhcp := &fakeManager{name: "dhcp", dir: filepath.Join(out, "dhcp")}
	dns := &fakeManager{name: "dns", dir: filepath.Join(out, "dns"), applyErr: errors.New("zone write refused")}
	tftp := &fakeManager{name: "tftp", dir: filepath.Join(out, "tftp")}

	p, err := New(Config{Source: src, Managers: []Manager{dhcp, dns, tftp}, Workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := p.FullSync(context.Background())
	if !errors.Is(err, ErrManagerSyncFailure) {
		t.Fatalf("FullSync error = %v, want manager failure", err)
	}
	var merr *ManagerError
	if !errors.As(err, &merr) || merr.Manager != "dns" || merr.Phase != PhaseApply {
		t.Errorf("manager error = %+v", merr)
	}
	if got := rep.Failed(); !slices.Equal(got, []string{"dns"}) {
		t.Errorf("Failed = %v", got)
	}
	for _, name := range []string{"dhcp", "tftp"} {
		data, err := os.ReadFile(filepath.Join(out, name, name+".conf"))
		if err != nil {
			t.Fatalf("%s artifact missing: %v", name, err)
		}
		if string(data) != "s1" {
			t.Errorf("%s artifact = %q", name, data)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "dns", "dns.conf")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dns artifact should not exist: %v", err)
	}
	if rep.Items != 3 || !rep.Full {
		t.Errorf("report = %+v", rep)
	}
	if p.Last() != rep {
		t.Error("Last does not return the run's report")
	}
}

func TestTriggerOrder(t *testing.T) {
	src := newSource(t)
	rec := &recorder{}
	mgr := &fakeManager{name: "dhcp", dir: t.TempDir(), rec: rec}
	trig := &fakeTriggers{rec: rec, fail: map[string]bool{"sync/pre": true}}
	p, err := New(Config{Source: src, Managers: []Manager{mgr}, Triggers: trig})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := p.FullSync(context.Background())
	if !errors.Is(err, ErrTriggerFailure) {
		t.Fatalf("got %v, want trigger failure", err)
	}
	if len(rep.Triggers) != 1 || len(rep.Failed()) != 0 {
		t.Errorf("report = %+v", rep)
	}
	want := []string{"trigger sync/pre  sync", "render dhcp", "trigger sync/post  sync"}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("full sync order = %q, want %q", got, want)
	}
}

func TestCommitsCoalesceIntoOneRun(t *testing.T) {
	src := newSource(t)
	rec := &recorder{}
	mgr := &fakeManager{name: "dhcp", dir: t.TempDir(), rec: rec}
	p, err := New(Config{Source: src, Managers: []Manager{mgr}, Triggers: &fakeTriggers{rec: rec}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	p.OnCommit(ctx, collection.Event{Op: collection.OpAdd, Kind: item.KindSystem, Name: "s2"})
	p.OnCommit(ctx, collection.Event{Op: collection.OpEdit, Kind: item.KindSystem, Name: "s1"})
	p.OnCommit(ctx, collection.Event{Op: collection.OpRemove, Kind: item.KindSystem, Name: "s3"})
	if p.Pending() != 3 {
		t.Fatalf("Pending = %d", p.Pending())
	}

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for p.Last() == nil {
		if time.Now().After(deadline) {
			t.Fatal("commit loop never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	rep := p.Last()
	if rep.Full || len(rep.Changes) != 3 {
		t.Errorf("report = %+v", rep)
	}
	want := []string{
		"render dhcp",
		"trigger change s2 add",
		"trigger change s1 edit",
		"trigger change s3 delete",
	}
	if got := rec.get(); !slices.Equal(got, want) {
		t.Errorf("commit run = %q, want %q", got, want)
	}
}

func TestSelectiveManagersSkipUnrelatedChanges(t *testing.T) {
	src := newSource(t)
	dns := selectiveManager{&fakeManager{name: "dns", dir: t.TempDir(), kinds: []item.Kind{item.KindSystem}}}
	tftp := &fakeManager{name: "tftp", dir: t.TempDir()}
	p, err := New(Config{Source: src, Managers: []Manager{dns, tftp}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	rep, err := p.run(ctx, []collection.Event{{Op: collection.OpEdit, Kind: item.KindRepo, Name: "r1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Managers) != 1 || rep.Managers[0].Name != "tftp" {
		t.Errorf("managers run = %+v", rep.Managers)
	}
	if n, _ := dns.counts(); n != 0 {
		t.Errorf("dns rendered %d times for a repo change", n)
	}

	if _, err := p.run(ctx, []collection.Event{{Op: collection.OpAdd, Kind: item.KindSystem, Name: "s2"}}); err != nil {
		t.Fatal(err)
	}
	if n, _ := dns.counts(); n != 1 {
		t.Errorf("dns rendered %d times for a system change", n)
	}
}

func TestRestartPolicy(t *testing.T) {
	src := newSource(t)
	dhcp := &fakeManager{name: "dhcp", dir: t.TempDir()}
	dns := &fakeManager{name: "dns", dir: t.TempDir()}
	p, err := New(Config{
		Source:   src,
		Managers: []Manager{dhcp, dns},
		Restart:  map[string]bool{"dhcp": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := p.FullSync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, n := dhcp.counts(); n != 1 || !rep.Managers[0].Restarted {
		t.Errorf("dhcp restarts = %d", n)
	}
	if _, n := dns.counts(); n != 0 || rep.Managers[1].Restarted {
		t.Errorf("dns restarts = %d", n)
	}
}

func TestConcurrentFullSyncsShareOneRun(t *testing.T) {
	src := newSource(t)
	block := make(chan struct{})
	mgr := &fakeManager{name: "dhcp", dir: t.TempDir(), block: block}
	p, err := New(Config{Source: src, Managers: []Manager{mgr}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	reports := make(chan *Report, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		rep, _ := p.FullSync(ctx)
		reports <- rep
	})
	for !p.full.InFlight(struct{}{}) {
		time.Sleep(time.Millisecond)
	}
	wg.Go(func() {
		rep, _ := p.FullSync(ctx)
		reports <- rep
	})
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	a, b := <-reports, <-reports
	if a != b {
		t.Error("callers received different reports")
	}
	if n, _ := mgr.counts(); n != 1 {
		t.Errorf("rendered %d times, want 1", n)
	}
}

func TestCancelledSyncSkipsUnstartedManagers(t *testing.T) {
	src := newSource(t)
	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	mgr := &fakeManager{name: "dhcp", dir: t.TempDir()}
	p, err := New(Config{Source: src, Managers: []Manager{mgr}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := p.runManagers(ctx, snap, []Manager{mgr})
	if !errors.Is(res[0].Err, context.Canceled) || !errors.Is(res[0].Err, ErrManagerSyncFailure) {
		t.Errorf("result = %+v", res[0])
	}
	if n, _ := mgr.counts(); n != 0 {
		t.Errorf("cancelled run rendered %d times", n)
	}
}

func TestDuplicateManagerNames(t *testing.T) {
	src := newSource(t)
	a := &fakeManager{name: "dhcp"}
	b := &fakeManager{name: "dhcp"}
	if _, err := New(Config{Source: src, Managers: []Manager{a, b}}); err == nil {
		t.Error("duplicate manager names accepted")
	}
}

func TestChangeName(t *testing.T) {
	tests := []struct {
		op   collection.Op
		want string
	}{
		{collection.OpAdd, "add"},
		{collection.OpEdit, "edit"},
		{collection.OpRemove, "delete"},
		{collection.OpRename, "rename"},
	}
	for _, tt := range tests {
		if got := ChangeName(tt.op); got != tt.want {
			t.Errorf("ChangeName(%s) = %q, want %q", tt.op, got, tt.want)
		}
	}
}
