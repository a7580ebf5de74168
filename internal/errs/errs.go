// Package errs defines the error taxonomy shared by every layer of the
// engine: block store, page cache, SQL host, transaction manager, and tab
// coordinator. Every fallible operation in those packages returns (or
// wraps) one of the Kind values below so callers can pattern-match on a
// stable, machine-readable code instead of parsing messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification.
type Kind string

const (
	NotOpen             Kind = "not_open"
	AlreadyOpen         Kind = "already_open"
	InvalidConfig       Kind = "invalid_config"
	InvalidSQL          Kind = "invalid_sql"
	ConstraintViolation Kind = "constraint_violation"
	WriteBusy           Kind = "write_busy"
	NotLeader           Kind = "not_leader"
	WriteForwardTimeout Kind = "write_forward_timeout"
	OptimisticDiverged  Kind = "optimistic_diverged"
	StaleCursor         Kind = "stale_cursor"
	CorruptHeader       Kind = "corrupt_header"
	CorruptPayload      Kind = "corrupt_payload"
	ChecksumMismatch    Kind = "checksum_mismatch"
	QuotaExceeded       Kind = "quota_exceeded"
	BackendIO           Kind = "backend_io"
	HandleMisuse        Kind = "handle_misuse"
	Cancelled           Kind = "cancelled"
	NotFound            Kind = "not_found"
	DirtyHandle         Kind = "dirty_handle"
)

// Error is the concrete tagged-union error value. Message is a free-form,
// human-readable detail; Kind is what callers should branch on.
type Error struct {
	Kind    Kind
	Message string
	Pos     *int // optional byte/character position, used by InvalidSQL
	err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// WithPos attaches a source position to an InvalidSQL error and returns e.
func (e *Error) WithPos(pos int) *Error {
	e.Pos = &pos
	return e
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, errs.New(errs.NotFound, "")) style checks work, and so
// that sentinel-style kind checks (Kind(err) == errs.NotFound) compose
// with wrapped errors produced by other packages via fmt.Errorf("%w").
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Of returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
