package scan

import (
	"context"
	"strings"

	"playcheck/logger"
	"playcheck/manifest"
	"playcheck/policy"
	"playcheck/tracing"
)

// Store persists scan records. Create assigns ID and ScannedAt atomically;
// Get reports a missing id with found == false and a nil error; List returns
// records newest first.
type Store interface {
	Create(ctx context.Context, r Record) (Record, error)
	Get(ctx context.Context, id int64) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
}

// Listener is notified after a record has been stored.
type Listener interface {
	ScanCompleted(r Record)
}

type ListenerFunc func(r Record)

func (f ListenerFunc) ScanCompleted(r Record) { f(r) }

// Service runs the policy engine and persists the outcome.
type Service struct {
	engine    *policy.Engine
	store     Store
	listeners []Listener
}

type Option func(*Service)

func WithListener(l Listener) Option {
	return func(s *Service) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

func NewService(engine *policy.Engine, store Store, opts ...Option) *Service {
	if engine == nil {
		engine = policy.NewEngine(nil)
	}
	s := &Service{engine: engine, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Engine() *policy.Engine {
	return s.engine
}

// StartScan evaluates m and stores exactly one completed record.
func (s *Service) StartScan(ctx context.Context, fileName string, m *manifest.Manifest) (Record, error) {
	ctx, endTask := tracing.StartTask(ctx, "start_scan")
	defer endTask()

	if m == nil || strings.TrimSpace(m.PackageName) == "" {
		return Record{}, invalidInput("start scan", ErrInvalidManifest)
	}
	tracing.Log(ctx, "package", m.PackageName)

	violations := s.engine.EvaluateContext(ctx, m)
	rec := Record{
		FileName:         fileName,
		PackageName:      m.PackageName,
		SDKVersion:       m.TargetSDKVersion,
		Permissions:      append([]string{}, m.Permissions...),
		Status:           StatusCompleted,
		PolicyViolations: violations,
	}

	if err := ctx.Err(); err != nil {
		return Record{}, persistence("store scan", err)
	}
	stored, err := s.store.Create(ctx, rec)
	if err != nil {
		return Record{}, persistence("store scan", err)
	}

	logger.WithFields(logger.Fields{
		"id":         stored.ID,
		"package":    stored.PackageName,
		"violations": len(stored.PolicyViolations),
	}).Debug("Scan stored")

	for _, l := range s.listeners {
		l.ScanCompleted(stored.Clone())
	}
	return stored, nil
}

// GetScan returns found == false for ids that were never issued.
func (s *Service) GetScan(ctx context.Context, id int64) (Record, bool, error) {
	rec, found, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, false, persistence("get scan", err)
	}
	return rec, found, nil
}

// ListScans returns every stored record, newest first.
func (s *Service) ListScans(ctx context.Context) ([]Record, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, persistence("list scans", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
