package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"playcheck/hasher"
	"playcheck/logger"
	"playcheck/output"
	"playcheck/scan"
)

// WatchEvent describes the outcome of one rescan attempt.
type WatchEvent struct {
	Path    string
	Record  scan.Record
	Err     error
	Skipped bool
}

// Watcher rescans manifests under a set of roots when their content
// changes. Unchanged content, detected by fingerprint, is skipped.
type Watcher struct {
	scanner  *Scanner
	debounce time.Duration
	writer   *output.Writer
	handler  func(WatchEvent)

	mu           sync.Mutex
	fingerprints map[string]uint64
}

func NewWatcher(s *Scanner, debounce time.Duration, w *output.Writer) *Watcher {
	return &Watcher{
		scanner:      s,
		debounce:     debounce,
		writer:       w,
		fingerprints: make(map[string]uint64),
	}
}

// OnEvent registers fn to be called after every processed change.
func (w *Watcher) OnEvent(fn func(WatchEvent)) {
	w.handler = fn
}

// Run scans every existing manifest once, then follows changes until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context, roots []string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, root := range roots {
		if err := addWatchRecursive(fw, root); err != nil {
			return err
		}
	}
	logger.Infof("Watching %d root(s) for manifest changes", len(roots))

	files, err := w.scanner.Collect(ctx, roots)
	if err != nil {
		return err
	}
	for _, path := range files {
		w.process(ctx, path)
	}

	ready := make(chan string, 64)
	timers := make(map[string]*time.Timer)
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Stop()
		}
		timers[path] = time.AfterFunc(w.debounce, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, ev, roots, schedule)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Watch error: %v", err)
		case path := <-ready:
			delete(timers, path)
			w.process(ctx, path)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event, roots []string, schedule func(string)) {
	if !withinAny(ev.Name, roots) {
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.forget(ev.Name)
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if shouldSkipDir(filepath.Base(ev.Name)) {
			return
		}
		if err := addWatchRecursive(fw, ev.Name); err != nil {
			logger.Warnf("Failed to watch %s: %v", ev.Name, err)
		}
		// Files may land before the directory watch is registered.
		files, err := w.scanner.Collect(ctx, []string{ev.Name})
		if err == nil {
			for _, path := range files {
				schedule(path)
			}
		}
		return
	}
	if w.scanner.matcher.ShouldInclude(ev.Name) {
		schedule(ev.Name)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	fp, err := hasher.Fingerprint(path)
	if err != nil {
		logger.Debugf("Skipping %s: %v", path, err)
		return
	}

	w.mu.Lock()
	prev, seen := w.fingerprints[path]
	w.fingerprints[path] = fp
	w.mu.Unlock()
	if seen && prev == fp {
		logger.Debugf("Unchanged manifest %s", path)
		w.emit(WatchEvent{Path: path, Skipped: true})
		return
	}

	res := w.scanner.scanFile(ctx, path)
	if res.err == nil {
		logger.WithFields(logger.Fields{
			"path":       path,
			"id":         res.rec.ID,
			"package":    res.rec.PackageName,
			"violations": len(res.rec.PolicyViolations),
		}).Info("Manifest rescanned")
	}
	if w.writer != nil {
		if err := w.writer.WriteEntry(res.entry()); err != nil {
			logger.Errorf("Failed to write report entry for %s: %v", path, err)
		}
	}
	w.emit(WatchEvent{Path: path, Record: res.rec, Err: res.err})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.fingerprints, path)
}

func (w *Watcher) emit(ev WatchEvent) {
	if w.handler != nil {
		w.handler(ev)
	}
}

func addWatchRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && shouldSkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
