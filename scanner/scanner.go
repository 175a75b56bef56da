// Package scanner runs manifest scans over files on disk, either as a
// one-shot batch or continuously over a watched directory tree.
package scanner

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"

	"playcheck/config"
	"playcheck/diag"
	"playcheck/hasher"
	"playcheck/logger"
	"playcheck/manifest"
	"playcheck/output"
	"playcheck/policy"
	"playcheck/scan"
	"playcheck/tracing"
)

// Summary aggregates one batch run.
type Summary struct {
	TotalFiles   int
	Scanned      int
	Failed       int
	Violations   int
	MaxSeverity  policy.Severity
	FailedByKind map[string]int
}

// Exceeds reports whether any scanned package reached threshold. An empty
// threshold never trips.
func (s Summary) Exceeds(threshold policy.Severity) bool {
	if threshold == "" || s.MaxSeverity == "" {
		return false
	}
	return s.MaxSeverity.Rank() >= threshold.Rank()
}

type Scanner struct {
	cfg      *config.Config
	svc      *scan.Service
	decoder  manifest.Decoder
	matcher  *PatternMatcher
	limiter  *rate.Limiter
	progress io.Writer
}

type Option func(*Scanner)

// WithDecoder replaces the default manifest reader.
func WithDecoder(d manifest.Decoder) Option {
	return func(s *Scanner) {
		if d != nil {
			s.decoder = d
		}
	}
}

// WithProgressWriter sets where the progress bar is drawn (default stderr).
func WithProgressWriter(w io.Writer) Option {
	return func(s *Scanner) {
		s.progress = w
	}
}

func New(cfg *config.Config, svc *scan.Service, opts ...Option) *Scanner {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Scanner{
		cfg:      cfg,
		svc:      svc,
		decoder:  &manifest.Reader{},
		matcher:  NewPatternMatcher(cfg.IncludePatterns, cfg.ExcludePatterns),
		progress: os.Stderr,
	}
	if cfg.MaxScansPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxScansPerSecond), cfg.MaxScansPerSecond)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collect expands paths into the files a batch would scan. Files named
// explicitly are kept unless excluded; directories are walked and filtered.
func (s *Scanner) Collect(ctx context.Context, paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		clean := filepath.Clean(path)
		if !seen[clean] {
			seen[clean] = true
			files = append(files, clean)
		}
	}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if !s.matcher.Excluded(root) {
				add(root)
			}
			continue
		}
		err = walk(ctx, root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Warnf("Failed to access %s: %v", path, err)
				return nil
			}
			if d == nil || d.IsDir() {
				return nil
			}
			if s.matcher.ShouldInclude(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// ScanPaths scans every manifest under paths with a bounded worker pool.
// w may be nil. Per-file failures are reported in the Summary, not as an
// error.
func (s *Scanner) ScanPaths(ctx context.Context, paths []string, w *output.Writer) (Summary, error) {
	ctx, endTask := tracing.StartTask(ctx, "scan_paths")
	defer endTask()

	start := time.Now()
	files, err := s.Collect(ctx, paths)
	if err != nil {
		return Summary{}, err
	}
	total := len(files)
	logger.Infof("Manifests to scan: %d", total)

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Scanning manifests"),
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetVisibility(s.cfg.ShowProgress && progressVisible()),
		progressbar.OptionFullWidth(),
	)

	var processed atomic.Int64
	diagOpts := diag.Options{
		Label:                   "batch",
		Threshold:               s.cfg.DiagSlowScanThreshold,
		Dir:                     s.cfg.DiagDir,
		GoroutineProfileOnClose: s.cfg.DiagGoroutineLeak,
		Progress:                processed.Load,
		Total:                   func() int64 { return int64(total) },
	}
	if s.cfg.TraceFlight {
		diagOpts.FlightDump = tracing.WriteFlightRecorder
	}
	controller := diag.NewController(diagOpts)
	controller.Start(ctx)
	defer controller.Close()

	var (
		mu      sync.Mutex
		summary = Summary{TotalFiles: total, FailedByKind: map[string]int{}}
	)
	record := func(res result) {
		mu.Lock()
		defer mu.Unlock()
		if res.err != nil {
			summary.Failed++
			summary.FailedByKind[failureKind(res.err)]++
			return
		}
		summary.Scanned++
		summary.Violations += len(res.rec.PolicyViolations)
		if sev := res.rec.MaxSeverity(); sev.Rank() > summary.MaxSeverity.Rank() {
			summary.MaxSeverity = sev
		}
	}

	tasks := make(chan string, s.concurrency())
	go func() {
		defer close(tasks)
		for _, path := range files {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case tasks <- path:
			}
		}
	}()

	var wg sync.WaitGroup
	for range s.concurrency() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range tasks {
				if ctx.Err() != nil {
					return
				}
				res := s.scanFile(ctx, path)
				record(res)
				if w != nil {
					if err := w.WriteEntry(res.entry()); err != nil {
						logger.Errorf("Failed to write report entry for %s: %v", path, err)
					}
				}
				processed.Add(1)
				_ = bar.Add(1)
			}
		}()
	}
	wg.Wait()
	_ = bar.Finish()

	if w != nil {
		w.SetMetrics(output.Metrics{
			StartTime:    start.UTC().Format(time.RFC3339),
			EndTime:      time.Now().UTC().Format(time.RFC3339),
			TotalFiles:   summary.TotalFiles,
			FilesScanned: summary.Scanned,
			FilesFailed:  summary.Failed,
			Violations:   summary.Violations,
			MaxSeverity:  string(summary.MaxSeverity),
		})
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

type result struct {
	path   string
	hashes map[string]string
	rec    scan.Record
	err    error
}

func (r result) entry() output.Entry {
	e := output.Entry{Path: r.path, Hashes: r.hashes}
	if r.err != nil {
		e.Error = r.err.Error()
		return e
	}
	rec := r.rec
	sum := scan.Summarize(rec)
	e.Scan = &rec
	e.Summary = &sum
	return e
}

func (s *Scanner) scanFile(ctx context.Context, path string) result {
	res := result{path: path}
	if len(s.cfg.HashAlgorithms) > 0 {
		hashes, err := hasher.DigestFile(path, s.cfg.HashAlgorithms)
		if err != nil {
			logger.Warnf("Failed to hash %s: %v", path, err)
		} else {
			res.hashes = hashes
		}
	}

	m, err := s.decoder.Decode(path)
	if err != nil {
		logger.WithFields(logger.Fields{"path": path, "error": err}).Warn("Failed to decode manifest")
		res.err = err
		return res
	}
	rec, err := s.svc.StartScan(ctx, filepath.Base(path), m)
	if err != nil {
		logger.WithFields(logger.Fields{"path": path, "error": err}).Warn("Scan failed")
		res.err = err
		return res
	}
	logger.WithFields(logger.Fields{
		"path":       path,
		"id":         rec.ID,
		"package":    rec.PackageName,
		"violations": len(rec.PolicyViolations),
		"sha256":     res.hashes["sha256"],
	}).Debug("Manifest scanned")
	res.rec = rec
	return res
}

func (s *Scanner) concurrency() int {
	if s.cfg.ConcurrencyLevel > 0 {
		return s.cfg.ConcurrencyLevel
	}
	return 1
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, manifest.ErrBinaryManifest):
		return "binary_manifest"
	case errors.Is(err, manifest.ErrNotArchive):
		return "not_archive"
	case errors.Is(err, manifest.ErrNoManifest):
		return "no_manifest"
	case errors.Is(err, manifest.ErrUnsupportedFormat):
		return "unsupported_format"
	}
	switch scan.KindOf(err) {
	case scan.KindInvalidInput:
		return "invalid_manifest"
	case scan.KindPersistence:
		return "persistence"
	}
	return "decode"
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("PLAYCHECK_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
