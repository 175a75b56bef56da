package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"playcheck/config"
	"playcheck/logger"
	"playcheck/output"
	"playcheck/policy"
	"playcheck/scan"
	"playcheck/store"
)

func init() {
	logger.Init("error")
}

const (
	compliantJSON = `{"package":"com.example.ok","usesSdk":{"targetSdkVersion":33}}`
	riskyJSON     = `{"package":"com.example.risky","usesSdk":{"targetSdkVersion":28},"application":{"debuggable":true}}`
	mediumYAML    = "package: com.example.medium\nusesSdk:\n  targetSdkVersion: 34\napplication:\n  services:\n    - name: com.example.SyncService\n"
	plainXML      = `<?xml version="1.0"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.example.xml">
  <uses-sdk android:targetSdkVersion="33"/>
</manifest>`
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConcurrencyLevel = 4
	cfg.ShowProgress = false
	cfg.HashAlgorithms = []string{"sha256"}
	return cfg
}

func newTestScanner(cfg *config.Config) (*Scanner, *store.Memory) {
	st := store.NewMemory()
	svc := scan.NewService(nil, st)
	var progress bytes.Buffer
	return New(cfg, svc, WithProgressWriter(&progress)), st
}

func TestScanPathsCountsAndSeverity(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"ok/manifest.json":        compliantJSON,
		"risky/manifest.json":     riskyJSON,
		"medium/manifest.yaml":    mediumYAML,
		"xml/AndroidManifest.xml": plainXML,
		"broken/manifest.json":    `{"usesSdk":{"targetSdkVersion":30}}`,
		"notes/readme.txt":        "not a manifest",
		".git/manifest.json":      compliantJSON,
	})

	s, st := newTestScanner(testConfig())
	var buf bytes.Buffer
	w, err := output.NewWriter(&buf, "json", nil)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := s.ScanPaths(context.Background(), []string{dir}, w)
	if err != nil {
		t.Fatalf("ScanPaths: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if summary.TotalFiles != 5 {
		t.Fatalf("expected 5 files, got %d", summary.TotalFiles)
	}
	if summary.Scanned != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.FailedByKind["invalid_manifest"] != 1 {
		t.Fatalf("expected invalid manifest failure, got %v", summary.FailedByKind)
	}
	if summary.MaxSeverity != policy.SeverityHigh {
		t.Fatalf("expected high max severity, got %q", summary.MaxSeverity)
	}
	if summary.Violations != 3 {
		t.Fatalf("expected 3 violations (2 risky + 1 ANR), got %d", summary.Violations)
	}
	recs, _ := st.List(context.Background())
	if len(recs) != 4 {
		t.Fatalf("expected 4 stored records, got %d", len(recs))
	}

	var doc struct {
		Scans   []output.Entry `json:"scans"`
		Metrics output.Metrics `json:"metrics"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("report: %v\n%s", err, buf.String())
	}
	if len(doc.Scans) != 5 || doc.Metrics.FilesFailed != 1 {
		t.Fatalf("unexpected report: %+v", doc.Metrics)
	}
	for _, e := range doc.Scans {
		if e.Hashes["sha256"] == "" {
			t.Fatalf("expected sha256 for %s", e.Path)
		}
	}
}

func TestSummaryExceeds(t *testing.T) {
	s := Summary{MaxSeverity: policy.SeverityMedium}
	if !s.Exceeds(policy.SeverityLow) || !s.Exceeds(policy.SeverityMedium) {
		t.Fatal("medium should trip low and medium gates")
	}
	if s.Exceeds(policy.SeverityHigh) {
		t.Fatal("medium should not trip the high gate")
	}
	if s.Exceeds("") {
		t.Fatal("empty threshold never trips")
	}
	if (Summary{}).Exceeds(policy.SeverityLow) {
		t.Fatal("clean run never trips")
	}
}

func TestCollectFilters(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a/manifest.json": compliantJSON,
		"b/manifest.json": compliantJSON,
		"b/extra.yaml":    mediumYAML,
	})
	cfg := testConfig()
	cfg.ExcludePatterns = []string{"*.yaml"}
	s, _ := newTestScanner(cfg)
	files, err := s.Collect(context.Background(), []string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}

	explicit := filepath.Join(dir, "b", "extra.yaml")
	files, _ = s.Collect(context.Background(), []string{explicit})
	if len(files) != 0 {
		t.Fatalf("explicit file should still honour excludes, got %v", files)
	}

	if _, err := s.Collect(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestScanPathsRateLimited(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.json": compliantJSON,
		"b.json": compliantJSON,
	})
	cfg := testConfig()
	cfg.MaxScansPerSecond = 100
	s, _ := newTestScanner(cfg)
	summary, err := s.ScanPaths(context.Background(), []string{dir}, nil)
	if err != nil {
		t.Fatalf("ScanPaths: %v", err)
	}
	if summary.Scanned != 2 {
		t.Fatalf("expected 2 scanned, got %+v", summary)
	}
}

func TestScanPathsCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.json": compliantJSON})
	s, _ := newTestScanner(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ScanPaths(ctx, []string{dir}, nil); err == nil {
		t.Fatal("expected context error")
	}
}
