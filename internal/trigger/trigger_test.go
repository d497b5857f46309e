package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"provisiond/internal/item"
)

func writeScript(t *testing.T, dir, triggerPath, name, body string) string {
	t.Helper()
	d := filepath.Join(dir, filepath.FromSlash(triggerPath))
	if err := os.MkdirAll(d, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(d, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func readLog(t *testing.T, p string) []string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Fields(string(data))
}

func TestRunOrderAndArguments(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(t.TempDir(), "log")
	tp := MutationPath("add", item.KindSystem, Post)
	writeScript(t, dir, tp, "20-second", `echo second:$1:$2:$3 >> `+logFile)
	writeScript(t, dir, tp, "10-first", `echo first:$PROVISIOND_KIND:$PROVISIOND_NAME:$PROVISIOND_CHANGE >> `+logFile)
	// Not executable: skipped.
	if err := os.WriteFile(filepath.Join(dir, "add", "system", "post", "30-readme"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(dir, 5*time.Second, nil)
	if err := r.Run(context.Background(), tp, Event{Kind: item.KindSystem, Name: "web01", Change: "add"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := readLog(t, logFile)
	want := []string{"first:system:web01:add", "second:system:web01:add"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("log = %v, want %v", got, want)
	}
}

func TestFailureDoesNotStopLaterScripts(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(t.TempDir(), "log")
	tp := SyncPath(Post)
	writeScript(t, dir, tp, "a", "exit 3")
	writeScript(t, dir, tp, "b", "echo ran >> "+logFile)

	r := New(dir, 5*time.Second, nil)
	err := r.Run(context.Background(), tp, Event{Change: "sync"})
	if !errors.Is(err, ErrTriggerFailure) {
		t.Fatalf("got %v, want trigger failure", err)
	}
	var terr *TriggerError
	if !errors.As(err, &terr) || terr.ExitCode != 3 || filepath.Base(terr.Script) != "a" {
		t.Errorf("trigger error = %+v", terr)
	}
	if got := readLog(t, logFile); len(got) != 1 {
		t.Errorf("later script did not run: %v", got)
	}
}

func TestTimeout(t *testing.T) {
	dir := t.TempDir()
	tp := ChangePath
	writeScript(t, dir, tp, "slow", "sleep 5")

	r := New(dir, 100*time.Millisecond, nil)
	start := time.Now()
	err := r.Run(context.Background(), tp, Event{Change: "edit"})
	var terr *TriggerError
	if !errors.As(err, &terr) || terr.ExitCode != -1 {
		t.Fatalf("got %v, want timed-out trigger error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should carry the deadline: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("timeout not enforced: took %v", time.Since(start))
	}
}

func TestRegisteredFuncs(t *testing.T) {
	r := New("", 0, nil)
	var seen []string
	if err := r.Register("add/*/post", "audit", func(_ context.Context, ev Event) error {
		seen = append(seen, ev.Name)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("delete/**", "guard", func(context.Context, Event) error {
		return errors.New("nope")
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("[", "bad", nil); err == nil {
		t.Error("bad pattern accepted")
	}

	ctx := context.Background()
	if err := r.Run(ctx, MutationPath("add", item.KindProfile, Post), Event{Name: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(ctx, MutationPath("add", item.KindProfile, Pre), Event{Name: "p2"}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "p1" {
		t.Errorf("audit saw %v", seen)
	}
	err := r.Run(ctx, MutationPath("delete", item.KindDistro, Pre), Event{Name: "d1"})
	var terr *TriggerError
	if !errors.As(err, &terr) || terr.Script != "guard" {
		t.Errorf("guard error = %v", err)
	}
}

func TestScriptCacheAndInvalidate(t *testing.T) {
	dir := t.TempDir()
	tp := ChangePath
	r := New(dir, 0, nil)

	if s, _ := r.Scripts(tp); len(s) != 0 {
		t.Fatalf("scripts = %v", s)
	}
	writeScript(t, dir, tp, "new", "true")
	if s, _ := r.Scripts(tp); len(s) != 0 {
		t.Errorf("cache bypassed: %v", s)
	}
	r.Invalidate()
	if s, _ := r.Scripts(tp); len(s) != 1 {
		t.Errorf("after invalidate: %v", s)
	}
}

func TestWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	tp := ChangePath
	r := New(dir, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if s, _ := r.Scripts(tp); len(s) != 0 {
		t.Fatalf("scripts = %v", s)
	}
	deadline := time.Now().Add(5 * time.Second)
	writeScript(t, dir, tp, "late", "true")
	for {
		if s, _ := r.Scripts(tp); len(s) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never invalidated the cache")
		}
		// The directory may have been created before the watcher saw its
		// parent; touching it again produces another event.
		writeScript(t, dir, tp, "late", "true")
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatchAwaitsMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "triggers")
	tp := ChangePath
	r := New(dir, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	if s, _ := r.Scripts(tp); len(s) != 0 {
		t.Fatalf("scripts = %v", s)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		writeScript(t, dir, tp, "late", "true")
		if s, _ := r.Scripts(tp); len(s) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("scripts under a directory created after Watch started were never seen")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
