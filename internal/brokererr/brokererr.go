// Package brokererr defines the typed error taxonomy the daemon and
// client stub use to classify protocol failures and map them onto the
// POSIX errno values carried in ERROR wire messages.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the protocol error categories from the error
// handling design. Each Kind has a fixed wire errno.
type Kind int

const (
	// KindUnknown is the zero value and never produced by this package.
	KindUnknown Kind = iota
	KindTooMany
	KindDuplicateWriter
	KindInvalidArg
	KindNoData
	KindNotFound
)

// Errno returns the POSIX errno value this Kind is wire-mapped to.
func (k Kind) Errno() int32 {
	switch k {
	case KindTooMany:
		return 24 // EMFILE
	case KindDuplicateWriter:
		return 1 // EPERM
	case KindInvalidArg:
		return 22 // EINVAL
	case KindNoData:
		return 61 // ENODATA
	case KindNotFound:
		return 22 // EINVAL, also for a failed mkdir; no reply path uses NotFoundErrno's EACCES.
	default:
		return 0
	}
}

// NotFoundErrno returns EACCES for a failed mkdir and EINVAL otherwise.
// Error replies are built from Kind.Errno, which sends EINVAL for every
// NOT_FOUND; this function is not called on the reply path.
func NotFoundErrno(mkdirFailed bool) int32 {
	if mkdirFailed {
		return 13 // EACCES
	}
	return 22 // EINVAL
}

func (k Kind) String() string {
	switch k {
	case KindTooMany:
		return "TOO_MANY"
	case KindDuplicateWriter:
		return "DUPLICATE_WRITER"
	case KindInvalidArg:
		return "INVALID_ARG"
	case KindNoData:
		return "NO_DATA"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// ProtocolError is a recoverable, per-client protocol violation: the
// handler replies with an ERROR message and closes the offending
// client's connection. It is never fatal to the daemon.
type ProtocolError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Is reports whether target is a *ProtocolError with the same Kind,
// letting callers write errors.Is(err, brokererr.New(brokererr.KindNoData, "")).
func (e *ProtocolError) Is(target error) bool {
	var pe *ProtocolError
	if errors.As(target, &pe) {
		return pe.Kind == e.Kind
	}
	return false
}

// New constructs a ProtocolError of the given kind.
func New(kind Kind, message string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message}
}

// Wrap constructs a ProtocolError of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message, Cause: cause}
}

var (
	// ErrTooMany is a sentinel usable with errors.Is against the TOO_MANY kind.
	ErrTooMany = New(KindTooMany, "client or stream capacity exceeded")
	// ErrDuplicateWriter is a sentinel for an OPEN that finds a writer already attached.
	ErrDuplicateWriter = New(KindDuplicateWriter, "stream already has an attached writer")
	// ErrInvalidArg is a sentinel for malformed or out-of-protocol requests.
	ErrInvalidArg = New(KindInvalidArg, "invalid argument")
	// ErrNoData is a sentinel for offsets below the first segment or off-the-end seeks.
	ErrNoData = New(KindNoData, "no data at requested offset")
	// ErrNotFound is a sentinel for a missing stream opened as a reader.
	ErrNotFound = New(KindNotFound, "stream not found")
)

// Fatal wraps a consistency-assertion violation: a freelist cycle, a
// region found in two owning lists, a bytestream size driven to zero
// while segments remain, or a write-buffer non-empty with no writer
// attached. The daemon must not attempt to continue after one of these;
// it indicates storage state can no longer be trusted.
type Fatal struct {
	Reason string
	Cause  error
}

func (e *Fatal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal consistency violation: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("fatal consistency violation: %s", e.Reason)
}

func (e *Fatal) Unwrap() error { return e.Cause }

// NewFatal constructs a Fatal error. Callers should panic with it
// immediately; Fatal exists as a type so tests can assert on the reason
// via errors.As before the panic unwinds, and so recover() sites (the
// event loop's request dispatch in the daemon) can log a structured reason.
func NewFatal(reason string, cause error) *Fatal {
	return &Fatal{Reason: reason, Cause: cause}
}
