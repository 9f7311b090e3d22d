// Package prescription implements the prescription lifecycle engine.
package prescription

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so callers can map it to a transport
// status without matching message text.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindValidation
	KindUpstream
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified domain failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors are
// internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
