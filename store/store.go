// Package store provides scan.Store implementations.
package store

import (
	"fmt"
	"io"
	"strings"

	"playcheck/scan"
)

const (
	BackendMemory  = "memory"
	BackendJournal = "journal"
)

// Backend is a scan.Store that owns resources.
type Backend interface {
	scan.Store
	io.Closer
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Journal)(nil)
)

// Open returns the store named by backend. path is required for journal.
func Open(backend, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendJournal:
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("journal store requires a path")
		}
		return OpenJournal(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
