package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"playcheck/logger"
	"playcheck/manifest"
	"playcheck/tracing"
)

// CheckFunc inspects a manifest and returns a violation or nil.
type CheckFunc func(m *manifest.Manifest) *Violation

// Rule is a named, independent check. Rules never see each other's output.
type Rule struct {
	Name  string
	Check CheckFunc
}

// Fault describes a rule that panicked during evaluation.
type Fault struct {
	Rule    string
	Package string
	Err     error
}

// FaultHandler receives rule faults for observability.
type FaultHandler func(Fault)

var (
	ErrDuplicateRule = errors.New("rule already registered")
	ErrInvalidRule   = errors.New("rule needs a name and a check")
)

// Registry is an append-only, ordered list of rules.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	names map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register appends rule. Registration order is evaluation order.
func (r *Registry) Register(rule Rule) error {
	if rule.Name == "" || rule.Check == nil {
		return ErrInvalidRule
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[rule.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}
	r.names[rule.Name] = struct{}{}
	r.rules = append(r.rules, rule)
	return nil
}

// MustRegister is Register for package-level catalogs.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Rules returns a snapshot in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Engine evaluates every registered rule against a manifest.
type Engine struct {
	registry *Registry
	onFault  FaultHandler

	faultMu sync.Mutex
	faults  map[string]*atomic.Int64
}

type Option func(*Engine)

// WithFaultHandler reports rule faults to h in addition to logging them.
func WithFaultHandler(h FaultHandler) Option {
	return func(e *Engine) { e.onFault = h }
}

// NewEngine builds an engine over registry. A nil registry gets the default
// catalog.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	if registry == nil {
		registry = DefaultRegistry()
	}
	e := &Engine{
		registry: registry,
		faults:   make(map[string]*atomic.Int64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// Evaluate runs every rule in registration order. A rule that panics yields
// no violation; the remaining rules still run.
func (e *Engine) Evaluate(m *manifest.Manifest) []Violation {
	return e.EvaluateContext(context.Background(), m)
}

// EvaluateContext is Evaluate with a context for trace annotation.
func (e *Engine) EvaluateContext(ctx context.Context, m *manifest.Manifest) []Violation {
	ctx, endTask := tracing.StartTask(ctx, "evaluate_policies")
	defer endTask()

	if m == nil {
		m = manifest.FromDecoded(nil)
	}
	violations := []Violation{}
	for _, rule := range e.registry.Rules() {
		endRegion := tracing.StartRegion(ctx, rule.Name)
		v, err := runRule(rule, m)
		endRegion()
		if err != nil {
			e.recordFault(Fault{Rule: rule.Name, Package: m.PackageName, Err: err})
			continue
		}
		if v == nil {
			continue
		}
		if v.Category == "" {
			v.Category = rule.Name
		}
		violations = append(violations, *v)
	}
	return violations
}

func runRule(rule Rule, m *manifest.Manifest) (v *Violation, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("rule %q panicked: %v", rule.Name, r)
		}
	}()
	return rule.Check(m), nil
}

func (e *Engine) recordFault(f Fault) {
	e.counter(f.Rule).Add(1)
	logger.WithFields(logger.Fields{
		"rule":    f.Rule,
		"package": f.Package,
	}).Warnf("Policy rule faulted, skipping: %v", f.Err)
	if e.onFault != nil {
		e.onFault(f)
	}
}

func (e *Engine) counter(rule string) *atomic.Int64 {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	c, ok := e.faults[rule]
	if !ok {
		c = &atomic.Int64{}
		e.faults[rule] = c
	}
	return c
}

// Faults returns the number of faults seen per rule name.
func (e *Engine) Faults() map[string]int64 {
	e.faultMu.Lock()
	defer e.faultMu.Unlock()
	out := make(map[string]int64, len(e.faults))
	for name, c := range e.faults {
		out[name] = c.Load()
	}
	return out
}
