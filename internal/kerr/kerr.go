// Package kerr defines the discriminated error taxonomy shared by every
// kernel subsystem (see spec §7: Error Handling Design).
package kerr

import "fmt"

// Code is a closed enum of the outcome classes a kernel operation may
// report. Timeout, Full and Empty are first-class expected outcomes, not
// failures in the usual sense, but they share the same *Error shape so
// callers can use errors.Is uniformly.
type Code int

const (
	// InvalidParameter marks an out-of-range id, nil pointer where not
	// permitted, zero size where positive is required, or a priority
	// above the maximum.
	InvalidParameter Code = iota
	// ResourceExhausted marks no free task/timer slot, allocator OOM, or
	// a full waiter list.
	ResourceExhausted
	// StateViolation marks create-on-active-id, use-of-inactive-id, or
	// resume-of-non-suspended-task.
	StateViolation
	// Timeout marks a blocking operation's wait elapsing without its
	// condition being met.
	Timeout
	// Full marks an immediate (timeout=0) send to a full queue.
	Full
	// Empty marks an immediate (timeout=0) receive/peek from an empty
	// queue.
	Empty
	// Integrity marks heap corruption or an out-of-range stack pointer.
	// Fatal: callers should trap to a diagnostic halt, never recover
	// silently.
	Integrity
)

// String returns a short machine-stable name for the code.
func (c Code) String() string {
	switch c {
	case InvalidParameter:
		return "invalid_parameter"
	case ResourceExhausted:
		return "resource_exhausted"
	case StateViolation:
		return "state_violation"
	case Timeout:
		return "timeout"
	case Full:
		return "full"
	case Empty:
		return "empty"
	case Integrity:
		return "integrity"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is the concrete error type returned by every public kernel
// operation that can fail. It carries a Code for programmatic dispatch
// (errors.Is against the sentinel values below, or a direct switch on
// Code), a human-readable Message, and an optional Cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Code, making
// errors.Is(err, kerr.New(kerr.Timeout, "")) work as a code-class check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error with the given code, message and cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels usable with errors.Is for the non-error "expected" outcomes.
var (
	ErrTimeout = New(Timeout, "operation timed out")
	ErrFull    = New(Full, "queue full")
	ErrEmpty   = New(Empty, "queue empty")
)
