// Package diag watches long-running scan activity for stalled progress and
// writes artifacts that help explain the stall.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"playcheck/logger"
)

const (
	artifactPrefix = "playcheck"
	stampLayout    = "20060102-150405.000"
	maxProbeEvery  = 2 * time.Second
	minProbeEvery  = 250 * time.Millisecond
)

type profileSource interface {
	WriteTo(w io.Writer, debug int) error
}

type Options struct {
	// Label names the activity being watched, e.g. "batch" or "serve".
	Label     string
	Threshold time.Duration
	Dir       string
	// GoroutineProfileOnClose writes a full goroutine dump when Close runs,
	// for spotting workers that outlived their activity.
	GoroutineProfileOnClose bool
	Progress                func() int64
	Total                   func() int64
	FlightDump              func(path string) error
	OnStall                 func(StallEvent)
	Now                     func() time.Time

	lookupProfile func(name string) profileSource
}

// StallEvent is written as JSON next to the other stall artifacts.
type StallEvent struct {
	Event       string    `json:"event"`
	Activity    string    `json:"activity"`
	Timestamp   time.Time `json:"timestamp"`
	Progress    int64     `json:"progress_count"`
	Total       *int64    `json:"total_count,omitempty"`
	Remaining   *int64    `json:"remaining_count,omitempty"`
	ThresholdMS int64     `json:"threshold_ms"`
	StalledMS   int64     `json:"observed_stalled_ms"`
	Artifacts   []string  `json:"artifacts,omitempty"`
}

type Controller struct {
	opts Options

	mu         sync.Mutex
	seen       int64
	seenAt     time.Time
	lastDumpAt time.Time
	stalls     atomic.Int64

	stop chan struct{}
	done chan struct{}
}

func NewController(opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.lookupProfile == nil {
		opts.lookupProfile = func(name string) profileSource {
			if p := pprof.Lookup(name); p != nil {
				return p
			}
			return nil
		}
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Label == "" {
		opts.Label = "scan"
	}
	return &Controller{opts: opts}
}

func (c *Controller) enabled() bool {
	return c != nil && c.opts.Threshold > 0 && c.opts.Progress != nil
}

// Start begins probing in the background until ctx ends or Close is
// called. Without a threshold or progress source it does nothing.
func (c *Controller) Start(ctx context.Context) {
	if !c.enabled() || c.stop != nil {
		return
	}

	c.mu.Lock()
	c.seen = c.opts.Progress()
	c.seenAt = c.opts.Now()
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	every := min(max(c.opts.Threshold/2, minProbeEvery), maxProbeEvery)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				c.probe(c.opts.Now())
			}
		}
	}(c.stop, c.done)
}

// Stalls reports how many stall events have been recorded.
func (c *Controller) Stalls() int64 {
	if c == nil {
		return 0
	}
	return c.stalls.Load()
}

// Close stops probing and, when configured, writes a goroutine dump.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop, c.done = nil, nil
	}
	if c.opts.GoroutineProfileOnClose {
		path, err := c.writeProfile("goroutine", 2)
		if err != nil {
			logger.Warnf("Goroutine dump on close failed: %v", err)
			return
		}
		logger.Debugf("Goroutine dump written to %s", path)
	}
}

// probe compares progress against the last observation and records a stall
// once no progress has been made for Threshold. Repeated stalls are dumped
// at most once per Threshold.
func (c *Controller) probe(now time.Time) {
	if !c.enabled() {
		return
	}
	progress := c.opts.Progress()

	c.mu.Lock()
	if progress != c.seen || c.seenAt.IsZero() {
		c.seen, c.seenAt = progress, now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.seenAt)
	due := stalledFor >= c.opts.Threshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.opts.Threshold)
	if due {
		c.lastDumpAt = now
	}
	c.mu.Unlock()
	if !due {
		return
	}

	c.stalls.Add(1)
	ev := StallEvent{
		Event:       "slow_scan_threshold_exceeded",
		Activity:    c.opts.Label,
		Timestamp:   now.UTC(),
		Progress:    progress,
		ThresholdMS: c.opts.Threshold.Milliseconds(),
		StalledMS:   stalledFor.Milliseconds(),
	}
	if c.opts.Total != nil {
		total := c.opts.Total()
		remaining := total - progress
		ev.Total, ev.Remaining = &total, &remaining
	}
	logger.WithFields(logger.Fields{
		"activity":   ev.Activity,
		"progress":   ev.Progress,
		"stalled_ms": ev.StalledMS,
	}).Warn("Scan progress stalled")

	if err := c.dump(&ev); err != nil {
		logger.Warnf("Stall artifact dump failed: %v", err)
	}
	if c.opts.OnStall != nil {
		c.opts.OnStall(ev)
	}
}

func (c *Controller) artifactPath(kind, ext string, at time.Time) string {
	name := fmt.Sprintf("%s-%s-%s.%s", artifactPrefix, kind, at.UTC().Format(stampLayout), ext)
	return filepath.Join(c.opts.Dir, name)
}

func (c *Controller) dump(ev *StallEvent) error {
	if err := os.MkdirAll(c.opts.Dir, 0755); err != nil {
		return err
	}
	if c.opts.FlightDump != nil {
		path := c.artifactPath("flight", "out", ev.Timestamp)
		if err := c.opts.FlightDump(path); err != nil {
			logger.Warnf("Flight recorder dump failed: %v", err)
		} else {
			ev.Artifacts = append(ev.Artifacts, filepath.Base(path))
		}
	}

	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.artifactPath(c.opts.Label+"-stall", "json", ev.Timestamp), data, 0600)
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	profile := c.opts.lookupProfile(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.opts.Dir, 0755); err != nil {
		return "", err
	}
	path := c.artifactPath(name+"-profile", "pprof", c.opts.Now())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	if err := profile.WriteTo(f, debug); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
