// Package manifest holds the normalized view of an application manifest that
// the policy engine evaluates, plus decoders that produce it from
// already-decoded manifest data.
package manifest

// BillingPermission is the permission that marks an app as selling in-app
// products through the store.
const BillingPermission = "com.android.vending.BILLING"

// Manifest is the set of facts the policy rules read. It is built once by
// FromDecoded and must not be modified afterwards.
type Manifest struct {
	PackageName           string
	TargetSDKVersion      int
	Permissions           []string
	Metadata              []MetadataEntry
	Services              []Service
	Debuggable            *bool
	UsesBillingPermission bool
}

type MetadataEntry struct {
	Name  *string
	Value *string
}

type Service struct {
	Name       *string
	Exported   *bool
	Permission *string
}

// HasName reports whether the service declares a non-empty name.
func (s Service) HasName() bool {
	return s.Name != nil && *s.Name != ""
}

// IsExported follows the platform default: a service without an explicit
// exported attribute is not exported.
func (s Service) IsExported() bool {
	return s.Exported != nil && *s.Exported
}

// HasPermission reports whether the service is guarded by a permission.
func (s Service) HasPermission() bool {
	return s.Permission != nil && *s.Permission != ""
}

// IsDebuggable reports true only for an explicit debuggable="true".
func (m *Manifest) IsDebuggable() bool {
	return m != nil && m.Debuggable != nil && *m.Debuggable
}

// HasMetadataName reports whether any metadata entry name satisfies match.
func (m *Manifest) HasMetadataName(match func(name string) bool) bool {
	if m == nil {
		return false
	}
	for _, entry := range m.Metadata {
		if entry.Name == nil {
			continue
		}
		if match(*entry.Name) {
			return true
		}
	}
	return false
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}
