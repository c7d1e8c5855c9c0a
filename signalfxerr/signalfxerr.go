// Package signalfxerr defines the error taxonomy shared by the ingest
// pipeline and the SignalFlow client.
package signalfxerr

import "fmt"

// Kind identifies which category of failure an error belongs to, so
// callers can branch on it with errors.As without string matching.
type Kind int

const (
	// InvalidInput means a caller-supplied value failed validation
	// before anything was sent over the wire.
	InvalidInput Kind = iota
	// TransportError means a request could not be completed because of
	// a network or HTTP-level failure.
	TransportError
	// AuthenticationFailed means the SignalFlow authenticate handshake
	// was rejected by the backend.
	AuthenticationFailed
	// ComputationAborted means a running computation was aborted by the
	// backend before completion.
	ComputationAborted
	// ComputationFailed means a computation reported one or more errors
	// after being started.
	ComputationFailed
	// AlreadyStopped means an operation was attempted on a client or
	// computation that has already been stopped or closed.
	AlreadyStopped
	// QueueFull means the ingest pipeline's bounded send queue had no room
	// left and the item was rejected rather than delivered.
	QueueFull
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case TransportError:
		return "transport_error"
	case AuthenticationFailed:
		return "authentication_failed"
	case ComputationAborted:
		return "computation_aborted"
	case ComputationFailed:
		return "computation_failed"
	case AlreadyStopped:
		return "already_stopped"
	case QueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// Error is the Kind-carrying typed error returned by this module's
// exported operations; computation aborts and failures are reported with
// ComputationAbortedError and ComputationFailedError instead. It wraps an
// underlying cause when one is available.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Invalidf builds an InvalidInput error with a formatted message.
func Invalidf(format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidInput, Message: fmt.Sprintf(format, args...)}
}

// AbortInfo carries the backend-reported state/reason for an aborted
// computation (spec: ComputationAborted).
type AbortInfo struct {
	State  string
	Reason string
}

// ComputationAbortedError is returned when a computation is aborted by the
// backend before it completes.
type ComputationAbortedError struct {
	Info AbortInfo
}

func (e *ComputationAbortedError) Error() string {
	return fmt.Sprintf("computation %s: %s", e.Info.State, e.Info.Reason)
}

// ComputationFailedError is returned when a computation reports one or
// more errors after being started.
type ComputationFailedError struct {
	Errors []string
}

func (e *ComputationFailedError) Error() string {
	return fmt.Sprintf("computation failed (%v)", e.Errors)
}
