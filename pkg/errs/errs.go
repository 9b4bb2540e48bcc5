// Package errs holds the error taxonomy shared by the ledger stores, the node
// gateway and the scan engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. The class decides the caller's policy:
// only Unavailable is retried.
type Kind int

const (
	// KindUnknown is any error that was not classified.
	KindUnknown Kind = iota

	// KindNotFound means the entity is absent. Not retried.
	KindNotFound

	// KindConflict means a duplicate create. Not retried.
	KindConflict

	// KindUnavailable is a transient storage or network failure.
	KindUnavailable

	// KindInvalid is a malformed or out-of-order input, typically a worker
	// report. The input is dropped and the caller carries on.
	KindInvalid

	// KindFatal aborts the process.
	KindFatal
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindNotFound:    "not found",
	KindConflict:    "conflict",
	KindUnavailable: "unavailable",
	KindInvalid:     "invalid",
	KindFatal:       "fatal",
}

// String returns the human name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error with a description and an optional cause.
type Error struct {
	Kind Kind
	Desc string
	Err  error
}

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrNotFound    = &Error{Kind: KindNotFound, Desc: "not found"}
	ErrConflict    = &Error{Kind: KindConflict, Desc: "conflict"}
	ErrUnavailable = &Error{Kind: KindUnavailable, Desc: "unavailable"}
	ErrInvalid     = &Error{Kind: KindInvalid, Desc: "invalid"}
	ErrFatal       = &Error{Kind: KindFatal, Desc: "fatal"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, desc string, err error) error {
	return &Error{Kind: kind, Desc: desc, Err: err}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Desc: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Desc: fmt.Sprintf(format, args...)}
}

func Invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Desc: fmt.Sprintf(format, args...)}
}

func Fatalf(format string, args ...any) error {
	return &Error{Kind: KindFatal, Desc: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a transient cause.
func Unavailable(desc string, err error) error {
	return &Error{Kind: KindUnavailable, Desc: desc, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
func IsInvalid(err error) bool  { return errors.Is(err, ErrInvalid) }
