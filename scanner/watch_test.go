package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitEvent(t *testing.T, events <-chan WatchEvent, path string) WatchEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Path == path {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event on %s", path)
		}
	}
}

func TestWatcherRescansChangedManifests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	writeFiles(t, dir, map[string]string{"manifest.json": compliantJSON})

	s, _ := newTestScanner(testConfig())
	w := NewWatcher(s, 50*time.Millisecond, nil)
	events := make(chan WatchEvent, 16)
	w.OnEvent(func(ev WatchEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, []string{dir}) }()

	initial := waitEvent(t, events, path)
	if initial.Err != nil || initial.Record.PackageName != "com.example.ok" {
		t.Fatalf("unexpected initial event: %+v", initial)
	}

	if err := os.WriteFile(path, []byte(riskyJSON), 0600); err != nil {
		t.Fatal(err)
	}
	changed := waitEvent(t, events, path)
	if changed.Skipped || changed.Record.PackageName != "com.example.risky" {
		t.Fatalf("expected rescan of changed content, got %+v", changed)
	}

	if err := os.WriteFile(path, []byte(riskyJSON), 0600); err != nil {
		t.Fatal(err)
	}
	same := waitEvent(t, events, path)
	if !same.Skipped {
		t.Fatalf("expected unchanged content to be skipped, got %+v", same)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestScanner(testConfig())
	w := NewWatcher(s, 50*time.Millisecond, nil)
	events := make(chan WatchEvent, 16)
	w.OnEvent(func(ev WatchEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, []string{dir})
	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)

	writeFiles(t, dir, map[string]string{"flavor/manifest.json": compliantJSON})
	ev := waitEvent(t, events, filepath.Join(dir, "flavor", "manifest.json"))
	if ev.Err != nil || ev.Record.ID == 0 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
