package structs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter and routing failures. Runners reconnect on
// connect/transport kinds and treat the rest as per-operation failures.
type ErrorKind string

const (
	ErrKindConnect    ErrorKind = "connect"
	ErrKindTransport  ErrorKind = "transport"
	ErrKindProtocol   ErrorKind = "protocol"
	ErrKindCoercion   ErrorKind = "coercion"
	ErrKindPermission ErrorKind = "permission"
	ErrKindResource   ErrorKind = "resource"
	ErrKindConfig     ErrorKind = "configuration"
	ErrKindUnknown    ErrorKind = "unknown"
)

// DriverError tags an underlying error with its kind and the operation that
// produced it.
type DriverError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DriverError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError wraps err with a kind and operation name.
func NewDriverError(kind ErrorKind, op string, err error) *DriverError {
	return &DriverError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the error kind of err, or ErrKindUnknown when err carries
// no classification.
func KindOf(err error) ErrorKind {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ErrKindUnknown
}

// IsReconnectable reports whether err should force the owning runner back
// into its connect loop.
func IsReconnectable(err error) bool {
	switch KindOf(err) {
	case ErrKindConnect, ErrKindTransport:
		return true
	}
	return false
}

// Routing errors surfaced to HTTP callers.
var (
	ErrUnknownTag    = errors.New("tag is not configured on any driver")
	ErrUnknownDriver = errors.New("driver is not configured")
	ErrNotWritable   = errors.New("not-writable")
	ErrQueueFull     = errors.New("queue-full")
)

// PolicyError is a write rejected by the cognitive policy gate.
type PolicyError struct {
	TagID  string
	Reason string
	Phase  OperatingPhase
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("write to %s rejected by policy: %s (phase %s)", e.TagID, e.Reason, e.Phase)
}
