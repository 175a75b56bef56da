package scan

import (
	"time"

	"playcheck/policy"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	// StatusFailed is reserved for analyses that could not produce a
	// manifest; StartScan reports those as errors instead of storing them.
	StatusFailed Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Record is one persisted analysis run. Field names are part of the stored
// and served JSON shape.
type Record struct {
	ID               int64              `json:"id"`
	FileName         string             `json:"fileName"`
	PackageName      string             `json:"packageName"`
	SDKVersion       int                `json:"sdkVersion"`
	Permissions      []string           `json:"permissions"`
	Status           Status             `json:"status"`
	PolicyViolations []policy.Violation `json:"policyViolations"`
	ScannedAt        time.Time          `json:"scannedAt"`
}

// Clone returns a deep copy with non-nil slices.
func (r Record) Clone() Record {
	out := r
	out.Permissions = append(make([]string, 0, len(r.Permissions)), r.Permissions...)
	out.PolicyViolations = append(make([]policy.Violation, 0, len(r.PolicyViolations)), r.PolicyViolations...)
	return out
}

// MaxSeverity returns the highest violation severity, or "" when clean.
func (r Record) MaxSeverity() policy.Severity {
	var max policy.Severity
	for _, v := range r.PolicyViolations {
		if v.Severity.Rank() > max.Rank() {
			max = v.Severity
		}
	}
	return max
}

// Summary counts violations by severity.
type Summary struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func Summarize(r Record) Summary {
	s := Summary{Total: len(r.PolicyViolations)}
	for _, v := range r.PolicyViolations {
		switch v.Severity {
		case policy.SeverityHigh:
			s.High++
		case policy.SeverityMedium:
			s.Medium++
		case policy.SeverityLow:
			s.Low++
		}
	}
	return s
}
