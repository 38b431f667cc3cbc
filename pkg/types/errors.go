package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal failures surfaced by the engine.
type ErrorKind string

const (
	// KindAssemblyFailed indicates a mandatory Layer-1 fragment was unavailable.
	KindAssemblyFailed ErrorKind = "assembly_failed"
	// KindQualityGateFailed indicates a mandatory quality dimension stayed
	// below threshold after the escalation retry.
	KindQualityGateFailed ErrorKind = "quality_gate_failed"
	// KindTimeout indicates the request deadline expired with mandatory work
	// still outstanding.
	KindTimeout ErrorKind = "timeout"
	// KindFragmentStoreUnavailable indicates the upstream store exhausted all
	// retry attempts.
	KindFragmentStoreUnavailable ErrorKind = "fragment_store_unavailable"
	// KindCacheCorruption indicates a cache tier's internal accounting was
	// inconsistent and the tier was reset.
	KindCacheCorruption ErrorKind = "cache_corruption"
)

// Error is a typed engine error. All errors crossing a component boundary are
// wrapped in one of these; callers switch on Kind rather than string-matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError creates a typed error wrapping an underlying cause.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain. Returns an empty kind
// for nil or untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
