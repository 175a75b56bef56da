package scanner

import (
	"path/filepath"
	"strings"
)

// resolve returns the absolute, symlink-free form of path. Paths that no
// longer exist are resolved lexically.
func resolve(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}
	return filepath.Abs(path)
}

// withinAny reports whether path lies inside one of roots.
func withinAny(path string, roots []string) bool {
	abs, err := resolve(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := resolve(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, abs)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
