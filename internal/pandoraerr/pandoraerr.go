// Package pandoraerr defines the failure-kind taxonomy shared by every
// device adapter and controller operation, so callers can branch on what
// went wrong instead of grepping error strings.
package pandoraerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by its origin, matching the taxonomy every
// transport adapter and device state object must report against.
type Kind int

const (
	// Unknown means the failure has not been classified, which is itself a
	// defect in the adapter that produced it.
	Unknown Kind = iota
	// Timeout means a call did not complete within its deadline.
	Timeout
	// TransportError means the underlying byte pipe (serial, TCP, USB)
	// failed — broken connection, write error, read error.
	TransportError
	// ProtocolError means bytes were exchanged but did not parse as a
	// valid response for the command sent.
	ProtocolError
	// DeviceRejected means the instrument replied with an explicit
	// rejection of the command (a status bit, a NAK, an error code).
	DeviceRejected
	// SafetyViolation means the interlock layer refused to issue the
	// command because it would violate a safety invariant.
	SafetyViolation
	// NotPoweredOn means the operation requires a device state the
	// instrument has not reached (off, uninitialized, faulted).
	NotPoweredOn
	// RangeOverflow means a measurement saturated its current range and
	// no further auto-scale step is available.
	RangeOverflow
	// StateInvariant means the caller asked for a state transition the
	// device's transition table forbids from its current state.
	StateInvariant
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case TransportError:
		return "transport_error"
	case ProtocolError:
		return "protocol_error"
	case DeviceRejected:
		return "device_rejected"
	case SafetyViolation:
		return "safety_violation"
	case NotPoweredOn:
		return "not_powered_on"
	case RangeOverflow:
		return "range_overflow"
	case StateInvariant:
		return "state_invariant"
	default:
		return "unknown"
	}
}

// Error wraps a failure with its Kind and the component that raised it.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for the given component/operation pair.
func New(component, op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// As reports the Kind of err if it (or something it wraps) is a *Error,
// and Unknown otherwise.
func As(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Unknown
}
