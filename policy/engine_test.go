package policy

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"playcheck/logger"
	"playcheck/manifest"
)

func init() {
	logger.Init("error")
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func build(d *manifest.Decoded) *manifest.Manifest {
	return manifest.FromDecoded(d)
}

func sdk(v int) *manifest.DecodedSDK {
	return &manifest.DecodedSDK{TargetSDKVersion: &v}
}

func perms(names ...string) []manifest.DecodedPermission {
	out := make([]manifest.DecodedPermission, 0, len(names))
	for _, n := range names {
		out = append(out, manifest.DecodedPermission{Name: n})
	}
	return out
}

func categories(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Category)
	}
	return out
}

func TestScenarioLowSDK(t *testing.T) {
	m := build(&manifest.Decoded{
		Package:     "com.example.app",
		UsesSDK:     sdk(30),
		Application: &manifest.DecodedApplication{Debuggable: boolPtr(false)},
	})
	got := NewEngine(nil).Evaluate(m)
	if len(got) != 1 {
		t.Fatalf("expected one violation, got %v", categories(got))
	}
	v := got[0]
	if v.Category != RuleSDKVersion || v.Severity != SeverityHigh {
		t.Fatalf("unexpected violation: %+v", v)
	}
	if !strings.Contains(v.Description, "30") {
		t.Fatalf("expected description to mention 30: %q", v.Description)
	}
}

func TestScenarioPrivacyPolicy(t *testing.T) {
	d := &manifest.Decoded{
		Package:         "com.example.app",
		UsesSDK:         sdk(33),
		UsesPermissions: perms("android.permission.CAMERA"),
	}
	got := NewEngine(nil).Evaluate(build(d))
	if len(got) != 1 || got[0].Category != RulePrivacyPolicy || got[0].Severity != SeverityHigh {
		t.Fatalf("unexpected violations: %+v", got)
	}
	if !strings.Contains(got[0].Description, "CAMERA") {
		t.Fatalf("expected CAMERA in description: %q", got[0].Description)
	}

	d.Application = &manifest.DecodedApplication{
		MetaData: []manifest.DecodedMetaData{{Name: strPtr("privacy_policy_url")}},
	}
	got = NewEngine(nil).Evaluate(build(d))
	for _, v := range got {
		if v.Category == RulePrivacyPolicy {
			t.Fatalf("privacy policy metadata should suppress the violation: %+v", v)
		}
	}
}

func TestPrivacyPolicyMetadataIsCaseInsensitive(t *testing.T) {
	m := build(&manifest.Decoded{
		Package:         "com.example.app",
		UsesSDK:         sdk(33),
		UsesPermissions: perms("android.permission.RECORD_AUDIO"),
		Application: &manifest.DecodedApplication{
			MetaData: []manifest.DecodedMetaData{{Name: strPtr("com.example.PRIVACY_POLICY")}},
		},
	})
	if got := NewEngine(nil).Evaluate(m); len(got) != 0 {
		t.Fatalf("expected no violations, got %+v", got)
	}
}

func TestPrivacyPolicyListsMatchedPermissions(t *testing.T) {
	m := build(&manifest.Decoded{
		Package: "com.example.app",
		UsesSDK: sdk(33),
		UsesPermissions: perms(
			"android.permission.INTERNET",
			"android.permission.ACCESS_FINE_LOCATION",
			"android.permission.READ_CONTACTS",
			"android.permission.ACCESS_FINE_LOCATION",
		),
	})
	got := NewEngine(nil).Evaluate(m)
	if len(got) != 1 {
		t.Fatalf("expected one violation, got %+v", got)
	}
	want := "(android.permission.ACCESS_FINE_LOCATION, android.permission.READ_CONTACTS)"
	if !strings.Contains(got[0].Description, want) {
		t.Fatalf("expected %s in %q", want, got[0].Description)
	}
	if strings.Contains(got[0].Description, "INTERNET") {
		t.Fatal("non-sensitive permission must not be listed")
	}
}

func TestScenarioDebuggable(t *testing.T) {
	m := build(&manifest.Decoded{
		Package:     "com.example.app",
		UsesSDK:     sdk(33),
		Application: &manifest.DecodedApplication{Debuggable: boolPtr(true)},
	})
	got := NewEngine(nil).Evaluate(m)
	if len(got) != 1 || got[0].Category != RuleSecurity || got[0].Severity != SeverityHigh {
		t.Fatalf("unexpected violations: %+v", got)
	}
}

func TestScenarioBatteryAndANR(t *testing.T) {
	m := build(&manifest.Decoded{
		Package: "com.example.app",
		UsesSDK: sdk(33),
		Application: &manifest.DecodedApplication{
			Services: []manifest.DecodedService{
				{Name: strPtr("com.example.SyncService"), Exported: boolPtr(false)},
				{Name: strPtr("com.example.UploadWorker"), Exported: boolPtr(false)},
				{Name: strPtr("com.example.CleanupJobService"), Exported: boolPtr(false)},
			},
		},
	})
	got := NewEngine(nil).Evaluate(m)
	if !reflect.DeepEqual(categories(got), []string{RuleBatteryUsage, RuleANRRisk}) {
		t.Fatalf("unexpected categories: %v", categories(got))
	}
	if !strings.Contains(got[0].Description, "3") || got[0].Severity != SeverityMedium {
		t.Fatalf("unexpected battery violation: %+v", got[0])
	}
	anr := got[1]
	if !strings.Contains(anr.Description, "Found 1 services") || !strings.Contains(anr.Description, "com.example.SyncService") {
		t.Fatalf("unexpected ANR description: %q", anr.Description)
	}
	if strings.Contains(anr.Description, "UploadWorker") || strings.Contains(anr.Description, "CleanupJobService") {
		t.Fatalf("worker/job services must not be listed: %q", anr.Description)
	}
}

func TestBatteryUsageCountsOnlyUnguardedServices(t *testing.T) {
	m := build(&manifest.Decoded{
		Package: "com.example.app",
		UsesSDK: sdk(33),
		Application: &manifest.DecodedApplication{
			Services: []manifest.DecodedService{
				{Name: strPtr("a.AWorker")},
				{Name: strPtr("a.BWorker"), Exported: boolPtr(false)},
				{Name: strPtr("a.CWorker"), Exported: boolPtr(true)},
				{Name: strPtr("a.DWorker"), Permission: strPtr("android.permission.BIND_JOB_SERVICE")},
				{Name: strPtr("a.EWorker"), Permission: strPtr("")},
			},
		},
	})
	got := NewEngine(nil).Evaluate(m)
	if len(got) != 1 || got[0].Category != RuleBatteryUsage {
		t.Fatalf("unexpected violations: %+v", got)
	}
	if !strings.Contains(got[0].Description, "Found 3 ") {
		t.Fatalf("expected 3 unguarded services: %q", got[0].Description)
	}
}

func TestANRRiskCountsNamelessServices(t *testing.T) {
	m := build(&manifest.Decoded{
		Package: "com.example.app",
		UsesSDK: sdk(33),
		Application: &manifest.DecodedApplication{
			Services: []manifest.DecodedService{
				{Exported: boolPtr(true)},
				{Name: strPtr("a.MediaService"), Exported: boolPtr(true)},
			},
		},
	})
	got := NewEngine(nil).Evaluate(m)
	if len(got) != 1 || got[0].Category != RuleANRRisk {
		t.Fatalf("unexpected violations: %+v", got)
	}
	if got[0].Description != "Found 2 services that might cause ANR issues: a.MediaService" {
		t.Fatalf("unexpected description: %q", got[0].Description)
	}
}

func TestBillingCompliance(t *testing.T) {
	d := &manifest.Decoded{
		Package:         "com.example.app",
		UsesSDK:         sdk(33),
		UsesPermissions: perms(manifest.BillingPermission),
	}
	got := NewEngine(nil).Evaluate(build(d))
	if len(got) != 1 || got[0].Category != RuleBillingCompliance || got[0].Severity != SeverityHigh {
		t.Fatalf("unexpected violations: %+v", got)
	}

	d.Application = &manifest.DecodedApplication{
		MetaData: []manifest.DecodedMetaData{{Name: strPtr("com.google.android.play.billingclient.version")}},
	}
	if got := NewEngine(nil).Evaluate(build(d)); len(got) != 0 {
		t.Fatalf("expected billing client metadata to satisfy the rule, got %+v", got)
	}
}

func TestOrderFollowsRegistration(t *testing.T) {
	// Privacy Policy (2) and Security (5) fire; Privacy must come first.
	m := build(&manifest.Decoded{
		Package:         "com.example.app",
		UsesSDK:         sdk(34),
		UsesPermissions: perms("android.permission.CAMERA"),
		Application:     &manifest.DecodedApplication{Debuggable: boolPtr(true)},
	})
	got := NewEngine(nil).Evaluate(m)
	if !reflect.DeepEqual(categories(got), []string{RulePrivacyPolicy, RuleSecurity}) {
		t.Fatalf("unexpected order: %v", categories(got))
	}
}

func everythingFires() *manifest.Manifest {
	return build(&manifest.Decoded{
		Package:         "com.example.app",
		UsesSDK:         sdk(28),
		UsesPermissions: perms("android.permission.CAMERA", manifest.BillingPermission),
		Application: &manifest.DecodedApplication{
			Debuggable: boolPtr(true),
			Services: []manifest.DecodedService{
				{Name: strPtr("a.One")}, {Name: strPtr("a.Two")}, {Name: strPtr("a.Three")},
			},
		},
	})
}

func TestDeterministic(t *testing.T) {
	e := NewEngine(nil)
	m := everythingFires()
	first := e.Evaluate(m)
	if len(first) != 6 {
		t.Fatalf("expected all six rules to fire, got %v", categories(first))
	}
	want := []string{RuleSDKVersion, RulePrivacyPolicy, RuleBatteryUsage, RuleANRRisk, RuleSecurity, RuleBillingCompliance}
	if !reflect.DeepEqual(categories(first), want) {
		t.Fatalf("unexpected order: %v", categories(first))
	}
	for i := 0; i < 20; i++ {
		if got := e.Evaluate(m); !reflect.DeepEqual(got, first) {
			t.Fatalf("evaluation %d differs: %+v", i, got)
		}
	}
}

func TestFaultingRuleIsIsolated(t *testing.T) {
	m := everythingFires()
	baseline := NewEngine(nil).Evaluate(m)

	reg := NewRegistry()
	for _, rule := range DefaultRules() {
		if rule.Name == RuleBatteryUsage {
			rule.Check = func(*manifest.Manifest) *Violation { panic("boom") }
		}
		reg.MustRegister(rule)
	}
	var mu sync.Mutex
	var faults []Fault
	e := NewEngine(reg, WithFaultHandler(func(f Fault) {
		mu.Lock()
		faults = append(faults, f)
		mu.Unlock()
	}))

	got := e.Evaluate(m)
	var want []Violation
	for _, v := range baseline {
		if v.Category != RuleBatteryUsage {
			want = append(want, v)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("other rules changed after fault:\n got %+v\nwant %+v", got, want)
	}
	if len(faults) != 1 || faults[0].Rule != RuleBatteryUsage || faults[0].Package != "com.example.app" {
		t.Fatalf("unexpected faults: %+v", faults)
	}
	if e.Faults()[RuleBatteryUsage] != 1 {
		t.Fatalf("expected fault counter of 1, got %v", e.Faults())
	}
}

func TestRemovingRuleDoesNotAffectOthers(t *testing.T) {
	m := everythingFires()
	baseline := NewEngine(nil).Evaluate(m)

	reg := NewRegistry()
	for _, rule := range DefaultRules() {
		if rule.Name == RulePrivacyPolicy {
			continue
		}
		reg.MustRegister(rule)
	}
	got := NewEngine(reg).Evaluate(m)
	if len(got) != len(baseline)-1 {
		t.Fatalf("expected %d violations, got %d", len(baseline)-1, len(got))
	}
	j := 0
	for _, v := range baseline {
		if v.Category == RulePrivacyPolicy {
			continue
		}
		if !reflect.DeepEqual(got[j], v) {
			t.Fatalf("violation %d changed: %+v vs %+v", j, got[j], v)
		}
		j++
	}
}

func TestRegistryAppendOnly(t *testing.T) {
	reg := DefaultRegistry()
	if reg.Len() != 6 {
		t.Fatalf("expected six default rules, got %d", reg.Len())
	}
	err := reg.Register(Rule{Name: RuleSecurity, Check: checkSecurity})
	if !errors.Is(err, ErrDuplicateRule) {
		t.Fatalf("expected ErrDuplicateRule, got %v", err)
	}
	if err := reg.Register(Rule{Name: "Nil"}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	custom := Rule{Name: "Package Naming", Check: func(m *manifest.Manifest) *Violation {
		if strings.HasPrefix(m.PackageName, "com.example") {
			return &Violation{Description: "example namespace", Severity: SeverityLow, Resolution: "rename"}
		}
		return nil
	}}
	if err := reg.Register(custom); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := NewEngine(reg).Evaluate(everythingFires())
	last := got[len(got)-1]
	if last.Category != "Package Naming" {
		t.Fatalf("expected appended rule last with category stamped, got %+v", last)
	}
}

func TestEvaluateNilManifest(t *testing.T) {
	got := NewEngine(nil).Evaluate(nil)
	if len(got) != 1 || got[0].Category != RuleSDKVersion {
		t.Fatalf("expected only the SDK rule on an empty manifest, got %v", categories(got))
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	e := NewEngine(nil)
	m := everythingFires()
	want := e.Evaluate(m)
	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := e.Evaluate(m); !reflect.DeepEqual(got, want) {
				errs <- "concurrent evaluation diverged"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}
}

func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity(" HIGH "); !ok || s != SeverityHigh {
		t.Fatalf("unexpected parse: %v %v", s, ok)
	}
	if _, ok := ParseSeverity("critical"); ok {
		t.Fatal("critical is not a valid severity")
	}
	if SeverityHigh.Rank() <= SeverityMedium.Rank() || SeverityMedium.Rank() <= SeverityLow.Rank() {
		t.Fatal("unexpected severity ranking")
	}
}
