package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"playcheck/logger"
	"playcheck/policy"
	"playcheck/scan"
)

func init() {
	logger.Init("error")
}

func sample(pkg string) scan.Record {
	return scan.Record{
		FileName:    pkg + ".apk",
		PackageName: pkg,
		SDKVersion:  30,
		Permissions: []string{"android.permission.CAMERA"},
		Status:      scan.StatusCompleted,
		PolicyViolations: []policy.Violation{{
			Category: policy.RuleSDKVersion, Description: "d", Severity: policy.SeverityHigh, Resolution: "r",
		}},
	}
}

// fixedClock returns the same instant for every call.
func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestMemoryCreateGetList(t *testing.T) {
	m := NewMemory()
	m.now = fixedClock()
	ctx := context.Background()
	a, _ := m.Create(ctx, sample("com.a"))
	b, _ := m.Create(ctx, sample("com.b"))
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("unexpected ids %d %d", a.ID, b.ID)
	}
	got, found, err := m.Get(ctx, 2)
	if err != nil || !found || got.PackageName != "com.b" {
		t.Fatalf("Get: %+v %v %v", got, found, err)
	}
	if _, found, _ := m.Get(ctx, 3); found {
		t.Fatal("expected not found")
	}
	list, _ := m.List(ctx)
	if len(list) != 2 || list[0].ID != 2 || list[1].ID != 1 {
		t.Fatalf("expected id desc on tie, got %+v", list)
	}
}

func TestMemoryOrdersByScannedAt(t *testing.T) {
	m := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	m.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	for _, pkg := range []string{"com.a", "com.b", "com.c"} {
		if _, err := m.Create(context.Background(), sample(pkg)); err != nil {
			t.Fatal(err)
		}
	}
	list, _ := m.List(context.Background())
	if list[0].PackageName != "com.c" || list[2].PackageName != "com.a" {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func TestJournalReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scans.ndjson")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	ctx := context.Background()
	for _, pkg := range []string{"com.a", "com.b"} {
		if _, err := j.Create(ctx, sample(pkg)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	got, found, _ := j2.Get(ctx, 2)
	if !found || got.PackageName != "com.b" || len(got.PolicyViolations) != 1 {
		t.Fatalf("replayed record mismatch: %+v", got)
	}
	c, err := j2.Create(ctx, sample("com.c"))
	if err != nil {
		t.Fatalf("Create after reopen: %v", err)
	}
	if c.ID != 3 {
		t.Fatalf("expected numbering to continue at 3, got %d", c.ID)
	}
	list, _ := j2.List(ctx)
	if len(list) != 3 || list[0].ID != 3 {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestJournalSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scans.ndjson")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Create(context.Background(), sample("com.a")); err != nil {
		t.Fatal(err)
	}
	j.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n{\"id\":2,\"packageName\":\"com.torn\"")
	f.Close()

	j2, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, _ := j2.List(context.Background())
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	rec, err := j2.Create(context.Background(), sample("com.b"))
	if err != nil || rec.ID != 2 {
		t.Fatalf("expected id 2, got %d (%v)", rec.ID, err)
	}
	j2.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "com.torn") {
		t.Fatalf("torn tail not truncated: %s", data)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), data)
	}
}

func TestJournalClosed(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "scans.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	j.Close()
	if _, err := j.Create(context.Background(), sample("com.a")); err == nil {
		t.Fatal("expected error after close")
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpen(t *testing.T) {
	if s, err := Open("", ""); err != nil {
		t.Fatalf("default backend: %v", err)
	} else if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
	if _, err := Open(BackendJournal, ""); err == nil {
		t.Fatal("expected error for journal without path")
	}
	if _, err := Open("redis", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	s, err := Open("Journal", filepath.Join(t.TempDir(), "j.ndjson"))
	if err != nil {
		t.Fatalf("journal backend: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*Journal); !ok {
		t.Fatalf("expected journal store, got %T", s)
	}
}

func TestCreateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemory().Create(ctx, sample("com.a")); err == nil {
		t.Fatal("expected context error")
	}
}
