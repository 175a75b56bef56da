package scanner

import (
	"path/filepath"
	"regexp"
	"strings"

	"playcheck/logger"
	"playcheck/manifest"
)

// PatternMatcher applies include and exclude patterns. A pattern matches
// when it globs the base name or the slash-separated path, or when it
// compiles as a regular expression that matches the path.
type PatternMatcher struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
}

func NewPatternMatcher(includePatterns, excludePatterns []string) *PatternMatcher {
	return &PatternMatcher{
		includeGlobs: append([]string(nil), includePatterns...),
		includeRegex: compileRegex(includePatterns),
		excludeGlobs: append([]string(nil), excludePatterns...),
		excludeRegex: compileRegex(excludePatterns),
	}
}

// ShouldInclude reports whether path passes the filters. Without include
// patterns only files with a supported manifest extension pass.
func (m *PatternMatcher) ShouldInclude(path string) bool {
	if m == nil {
		return manifest.Supported(path)
	}
	if len(m.includeGlobs) == 0 && len(m.includeRegex) == 0 {
		if !manifest.Supported(path) {
			return false
		}
	} else if !m.matches(path, m.includeGlobs, m.includeRegex) {
		return false
	}
	return !m.Excluded(path)
}

// Excluded reports whether path matches an exclude pattern.
func (m *PatternMatcher) Excluded(path string) bool {
	if m == nil || (len(m.excludeGlobs) == 0 && len(m.excludeRegex) == 0) {
		return false
	}
	return m.matches(path, m.excludeGlobs, m.excludeRegex)
}

func (m *PatternMatcher) matches(path string, globs []string, regexes []*regexp.Regexp) bool {
	slashed := filepath.ToSlash(path)
	for _, pattern := range globs {
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
		if strings.Contains(pattern, "/") {
			if matched, _ := filepath.Match(pattern, slashed); matched {
				return true
			}
		}
	}
	for _, re := range regexes {
		if re.MatchString(slashed) {
			return true
		}
	}
	return false
}

// compileRegex keeps only patterns that look like regular expressions;
// plain globs such as "*.apk" do not compile and are matched as globs only.
func compileRegex(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Debugf("Pattern %q is not a regular expression: %v", pattern, err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}
