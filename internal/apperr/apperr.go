// Package apperr defines the engine's error taxonomy.
//
// Errors carry a Kind so callers can decide policy (drop, fall through,
// surface) without string matching. Each kind has a sentinel usable with
// errors.Is:
//
//	if errors.Is(err, apperr.ErrLockTimeout) { ... }
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration: missing/invalid credentials or settings. Fatal at startup.
	KindConfiguration
	// KindTransient: a delivery channel or backend was unreachable.
	KindTransient
	// KindPermission: the user has not granted a channel. Expected.
	KindPermission
	// KindDataIntegrity: a referenced row is missing. The event is dropped.
	KindDataIntegrity
	// KindLockTimeout: the concurrency guard could not serialize.
	KindLockTimeout
	// KindValidation: bad input on a direct user action.
	KindValidation
	// KindNotFound: the addressed record does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindPermission:
		return "permission"
	case KindDataIntegrity:
		return "data_integrity"
	case KindLockTimeout:
		return "lock_timeout"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient delivery error")
	ErrPermission    = errors.New("permission not granted")
	ErrDataIntegrity = errors.New("data integrity error")
	ErrLockTimeout   = errors.New("lock timeout")
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindTransient:
		return ErrTransient
	case KindPermission:
		return ErrPermission
	case KindDataIntegrity:
		return ErrDataIntegrity
	case KindLockTimeout:
		return ErrLockTimeout
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Error is a classified error. Op names the failing operation
// (e.g. "preference.set"), Err is the cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel, so errors.Is(err, ErrLockTimeout) works
// regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// New classifies err under kind. A nil err still produces an error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost classified kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or anything it wraps) is classified as kind.
func Is(err error, kind Kind) bool {
	s := kind.sentinel()
	if s == nil {
		return false
	}
	return errors.Is(err, s)
}
