package policy

import "github.com/cloudflare/ahocorasick"

// sensitivePermissionTokens are matched as substrings so both the short and
// fully qualified permission names hit.
var sensitivePermissionTokens = []string{
	"READ_PHONE_STATE",
	"ACCESS_WIFI_STATE",
	"RECORD_AUDIO",
	"CAMERA",
	"READ_CONTACTS",
	"ACCESS_FINE_LOCATION",
}

// PermissionMatcher finds permissions containing any of a fixed set of tokens.
// It is safe for concurrent use.
type PermissionMatcher struct {
	matcher *ahocorasick.Matcher
}

func NewPermissionMatcher(tokens []string) *PermissionMatcher {
	return &PermissionMatcher{matcher: ahocorasick.NewStringMatcher(tokens)}
}

// Matches returns the permissions that contain a token, in input order,
// without duplicates.
func (p *PermissionMatcher) Matches(permissions []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, perm := range permissions {
		if perm == "" {
			continue
		}
		if _, ok := seen[perm]; ok {
			continue
		}
		if len(p.matcher.MatchThreadSafe([]byte(perm))) == 0 {
			continue
		}
		seen[perm] = struct{}{}
		out = append(out, perm)
	}
	return out
}
