// Package hostapi defines the narrow boundary between the bridge core and
// its embedding host: the upcalls the core makes into the host, the
// downcalls the host makes into the core, the JSON-shaped request/response
// envelopes, and the error taxonomy shared by both directions.
//
// Nothing in this package transports bytes or parses signalling; it only
// describes the shapes that cross the boundary, following a narrow-
// interface-plus-typed-error pattern throughout.
package hostapi

import "fmt"

// BridgeErrorCode enumerates the error codes a request can fail with.
type BridgeErrorCode int

const (
	ErrNoMessage      BridgeErrorCode = 440
	ErrInvalidJSON    BridgeErrorCode = 441
	ErrInvalidRequest BridgeErrorCode = 442
	ErrMissingElement BridgeErrorCode = 443
	ErrInvalidElement BridgeErrorCode = 444
	ErrWrongState     BridgeErrorCode = 445
	ErrMissingSDP     BridgeErrorCode = 446
	ErrInvalidSDP     BridgeErrorCode = 447
	ErrIOError        BridgeErrorCode = 448
	ErrRecordingError BridgeErrorCode = 449
	ErrTooStrict      BridgeErrorCode = 450
	ErrUnknown        BridgeErrorCode = 499
)

// String returns the taxonomy name used in log lines and tests.
func (c BridgeErrorCode) String() string {
	switch c {
	case ErrNoMessage:
		return "NO_MESSAGE"
	case ErrInvalidJSON:
		return "INVALID_JSON"
	case ErrInvalidRequest:
		return "INVALID_REQUEST"
	case ErrMissingElement:
		return "MISSING_ELEMENT"
	case ErrInvalidElement:
		return "INVALID_ELEMENT"
	case ErrWrongState:
		return "WRONG_STATE"
	case ErrMissingSDP:
		return "MISSING_SDP"
	case ErrInvalidSDP:
		return "INVALID_SDP"
	case ErrIOError:
		return "IO_ERROR"
	case ErrRecordingError:
		return "RECORDING_ERROR"
	case ErrTooStrict:
		return "TOO_STRICT"
	default:
		return "UNKNOWN_ERROR"
	}
}

// BridgeError is the typed error every request-handling operation returns
// on failure. It carries the numeric code expected in the JSON error
// envelope alongside a human-readable message and, optionally, a wrapped
// cause for debugging.
type BridgeError struct {
	Code    BridgeErrorCode
	Message string
	Wrapped error
}

func (e *BridgeError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%d %s] %s: %v", int(e.Code), e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%d %s] %s", int(e.Code), e.Code, e.Message)
}

func (e *BridgeError) Unwrap() error { return e.Wrapped }

// Is lets errors.Is match BridgeErrors by code alone, ignoring the
// message and wrapped cause.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a BridgeError with no wrapped cause.
func NewError(code BridgeErrorCode, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// WrapError builds a BridgeError that wraps an underlying cause.
func WrapError(code BridgeErrorCode, message string, cause error) *BridgeError {
	return &BridgeError{Code: code, Message: message, Wrapped: cause}
}
