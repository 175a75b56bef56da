package policy

import (
	"fmt"
	"strings"

	"playcheck/manifest"
)

// Rule names double as violation categories.
const (
	RuleSDKVersion        = "SDK Version"
	RulePrivacyPolicy     = "Privacy Policy"
	RuleBatteryUsage      = "Battery Usage"
	RuleANRRisk           = "ANR Risk"
	RuleSecurity          = "Security"
	RuleBillingCompliance = "Billing Compliance"
)

const (
	MinTargetSDK              = 31
	maxUnguardedServices      = 2
	privacyPolicyMetadataKey  = "privacy_policy"
	billingClientMetadataHint = "com.google.android.play.billingclient"
)

var sensitivePermissions = NewPermissionMatcher(sensitivePermissionTokens)

// DefaultRules returns the store compliance catalog in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleSDKVersion, Check: checkSDKVersion},
		{Name: RulePrivacyPolicy, Check: checkPrivacyPolicy},
		{Name: RuleBatteryUsage, Check: checkBatteryUsage},
		{Name: RuleANRRisk, Check: checkANRRisk},
		{Name: RuleSecurity, Check: checkSecurity},
		{Name: RuleBillingCompliance, Check: checkBillingCompliance},
	}
}

// DefaultRegistry returns a fresh registry holding DefaultRules. Callers may
// append their own rules to it.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(DefaultRules()...)
	return r
}

func checkSDKVersion(m *manifest.Manifest) *Violation {
	if m.TargetSDKVersion >= MinTargetSDK {
		return nil
	}
	return &Violation{
		Category:    RuleSDKVersion,
		Description: fmt.Sprintf("App targets SDK version %d, which is below the required minimum of %d (Android 12)", m.TargetSDKVersion, MinTargetSDK),
		Severity:    SeverityHigh,
		Resolution:  fmt.Sprintf("Update targetSdkVersion to at least %d in your build.gradle file and test compatibility", MinTargetSDK),
	}
}

func checkPrivacyPolicy(m *manifest.Manifest) *Violation {
	matched := sensitivePermissions.Matches(m.Permissions)
	if len(matched) == 0 {
		return nil
	}
	hasPolicy := m.HasMetadataName(func(name string) bool {
		return strings.Contains(strings.ToLower(name), privacyPolicyMetadataKey)
	})
	if hasPolicy {
		return nil
	}
	return &Violation{
		Category:    RulePrivacyPolicy,
		Description: fmt.Sprintf("App collects sensitive data (%s) but lacks a privacy policy URL in manifest", strings.Join(matched, ", ")),
		Severity:    SeverityHigh,
		Resolution:  "Add privacy policy URL in manifest and implement user consent flow for data collection",
	}
}

func checkBatteryUsage(m *manifest.Manifest) *Violation {
	count := 0
	for _, svc := range m.Services {
		if !svc.IsExported() && !svc.HasPermission() {
			count++
		}
	}
	if count <= maxUnguardedServices {
		return nil
	}
	return &Violation{
		Category:    RuleBatteryUsage,
		Description: fmt.Sprintf("Found %d background services without proper declarations, which may drain battery", count),
		Severity:    SeverityMedium,
		Resolution:  "Use WorkManager for background tasks and implement proper battery optimizations",
	}
}

func checkANRRisk(m *manifest.Manifest) *Violation {
	count := 0
	var names []string
	for _, svc := range m.Services {
		if !svc.HasName() {
			// nameless services are counted but cannot be listed
			count++
			continue
		}
		lower := strings.ToLower(*svc.Name)
		if strings.Contains(lower, "worker") || strings.Contains(lower, "job") {
			continue
		}
		count++
		names = append(names, *svc.Name)
	}
	if count == 0 {
		return nil
	}
	desc := fmt.Sprintf("Found %d services that might cause ANR issues", count)
	if len(names) > 0 {
		desc += ": " + strings.Join(names, ", ")
	}
	return &Violation{
		Category:    RuleANRRisk,
		Description: desc,
		Severity:    SeverityMedium,
		Resolution:  "Move heavy operations to background threads and implement proper service lifecycle",
	}
}

func checkSecurity(m *manifest.Manifest) *Violation {
	if !m.IsDebuggable() {
		return nil
	}
	return &Violation{
		Category:    RuleSecurity,
		Description: "App is debuggable in release build which is a security risk",
		Severity:    SeverityHigh,
		Resolution:  "Disable debugging for release builds and implement proper ProGuard configuration",
	}
}

func checkBillingCompliance(m *manifest.Manifest) *Violation {
	if !m.UsesBillingPermission {
		return nil
	}
	usesPlayBilling := m.HasMetadataName(func(name string) bool {
		return strings.Contains(name, billingClientMetadataHint)
	})
	if usesPlayBilling {
		return nil
	}
	return &Violation{
		Category:    RuleBillingCompliance,
		Description: fmt.Sprintf("App declares %s but no %s metadata was found; it may not be using Google Play Billing", manifest.BillingPermission, billingClientMetadataHint),
		Severity:    SeverityHigh,
		Resolution:  "Implement Google Play Billing API for all in-app purchases",
	}
}
