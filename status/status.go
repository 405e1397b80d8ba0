// Package status provides the runtime's error taxonomy (§7 of the
// specification). Every engine operation in this module returns a *status.Error
// (or nil) so that callers — ultimately the message dispatcher — can translate
// failures into a fixed, small set of wire-level codes.
package status

import "fmt"

// Code is one of the closed set of status codes an engine operation may
// return.
type Code int

const (
	// OK indicates success; operations return a nil *Error instead of OK in
	// practice, but the code exists for completeness of the switch space.
	OK Code = iota

	// InvalidArg indicates a malformed request: unknown kind, paramc/paramv
	// mismatch, or a labeled create without a reservation.
	InvalidArg

	// InvalidGUID indicates a GUID that does not resolve, or that names an
	// object that has already been destroyed.
	InvalidGUID

	// NoMemory indicates the allocator backing a datablock or metadata
	// record is exhausted.
	NoMemory

	// Busy indicates a resource is locked, or an event is not yet ready;
	// this is the normal outcome of a non-blocking resolve.
	Busy

	// Unauthorised indicates a release attempted by an EDT that never
	// acquired the datablock.
	Unauthorised

	// DuplicateSatisfy indicates a second satisfy on a single-shot event.
	DuplicateSatisfy

	// AlreadyExists indicates a labeled create collided with an existing
	// GUID under CHECK semantics.
	AlreadyExists

	// Pending indicates the request was handed off to another policy
	// domain; the caller should wait or register a continuation.
	Pending

	// NotSupported indicates the operation is unavailable in this
	// configuration (e.g. the EW access mode).
	NotSupported
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArg:
		return "INVALID_ARG"
	case InvalidGUID:
		return "INVALID_GUID"
	case NoMemory:
		return "NO_MEMORY"
	case Busy:
		return "BUSY"
	case Unauthorised:
		return "UNAUTHORISED"
	case DuplicateSatisfy:
		return "DUPLICATE_SATISFY"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case Pending:
		return "PENDING"
	case NotSupported:
		return "NOT_SUPPORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}

// Error is the runtime's status-coded error type. It is returned by engine
// operations in place of a bare error so the dispatcher can copy Code
// verbatim into a message response slot.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs a *Error with no message and no cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Newf constructs a *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a *Error carrying cause as its chained error.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Code, e.Cause)
		}
		return e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap enables errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, status.New(status.Busy)) to match by code alone,
// ignoring message and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Of extracts the Code from err, returning OK if err is nil and InvalidArg
// (the closest "this wasn't one of ours" fallback) if err is a non-status
// error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if as(err, &e) {
		return e.Code
	}
	return InvalidArg
}

// as is a tiny local shim so this package does not need to import the
// standard errors package just for As in the common case of a direct type
// assertion; it still falls back to unwrapping one level.
func as(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return as(u.Unwrap(), target)
	}
	return false
}
