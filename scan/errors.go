package scan

import (
	"errors"
	"fmt"
)

// Kind separates caller mistakes from server-side failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// ErrInvalidManifest is matched by errors.Is for manifests without a
// package identity.
var ErrInvalidManifest = errors.New("manifest has no package name")

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func invalidInput(op string, err error) error {
	return &Error{Kind: KindInvalidInput, Op: op, Err: err}
}

func persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}
