// ABOUTME: Package vmerr defines the error-kind taxonomy shared across the
// ABOUTME: storage, hypervisor, snapshot, health, and migration components.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by what went wrong, not by which component raised
// it. Callers match on Kind via errors.Is against the sentinel of the same
// name, never by inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadState
	KindDriverFailure
	KindTransport
	KindTimeout
	KindParse
	KindNotFound
	KindHasChildren
	KindPartialRestore
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindBadState:
		return "bad-state"
	case KindDriverFailure:
		return "driver-failure"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindNotFound:
		return "not-found"
	case KindHasChildren:
		return "has-children"
	case KindPartialRestore:
		return "partial-restore"
	case KindRateLimited:
		return "rate-limited"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is. Every Error constructed by New/Wrap below
// with a Kind other than KindUnknown unwraps to exactly one of these.
var (
	ErrBadState       = errors.New("bad-state")
	ErrDriverFailure  = errors.New("driver-failure")
	ErrTransport      = errors.New("transport")
	ErrTimeout        = errors.New("timeout")
	ErrParse          = errors.New("parse")
	ErrNotFound       = errors.New("not-found")
	ErrHasChildren    = errors.New("has-children")
	ErrPartialRestore = errors.New("partial-restore")
	ErrRateLimited    = errors.New("rate-limited")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindBadState:
		return ErrBadState
	case KindDriverFailure:
		return ErrDriverFailure
	case KindTransport:
		return ErrTransport
	case KindTimeout:
		return ErrTimeout
	case KindParse:
		return ErrParse
	case KindNotFound:
		return ErrNotFound
	case KindHasChildren:
		return ErrHasChildren
	case KindPartialRestore:
		return ErrPartialRestore
	case KindRateLimited:
		return ErrRateLimited
	default:
		return nil
	}
}

// Error wraps an underlying cause with a Kind and the operation that
// produced it, so callers upstream can attach component context without
// re-wrapping; it should be wrapped once, at the boundary where it occurs.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause so
// errors.Is(err, vmerr.ErrNotFound) and errors.Is(err, someCause) both work.
func (e *Error) Unwrap() []error {
	sentinel := sentinelFor(e.Kind)
	if sentinel == nil {
		return []error{e.Err}
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// New constructs an Error with no underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap attaches a Kind and operation name to an existing error. Wrapping a
// nil error returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	sentinel := sentinelFor(kind)
	if sentinel == nil {
		return false
	}
	return errors.Is(err, sentinel)
}

// KindOf extracts the Kind from err, or KindUnknown if err does not carry
// one of the taxonomy's sentinels.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
