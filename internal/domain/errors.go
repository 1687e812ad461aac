package domain

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure code attached to terminal items.
type Code string

const (
	CodeEndpointUnavailable  Code = "ENDPOINT_UNAVAILABLE"
	CodeCrossSessionPayload  Code = "CROSS_SESSION_PAYLOAD"
	CodeSimulationFailed     Code = "SIMULATION_FAILED"
	CodeSimulationStructural Code = "SIMULATION_STRUCTURAL"
	CodeUpstreamFailed       Code = "UPSTREAM_FAILED"
	CodeSessionDisconnected  Code = "SESSION_DISCONNECTED"
	CodeTimeout              Code = "TIMEOUT"
	CodeSigningFailed        Code = "SIGNING_FAILED"
	CodeBroadcastFailed      Code = "BROADCAST_FAILED"
	CodeTransactionRejected  Code = "TRANSACTION_REJECTED"
	CodeUserRejected         Code = "USER_REJECTED"
	CodeCancelled            Code = "CANCELLED"
	CodeNoSession            Code = "NO_SESSION"
	CodeRebuildFailed        Code = "REBUILD_FAILED"
)

// Error is a classified failure. Message is meant for users; Cause keeps the
// underlying error for diagnostics and is never used as the primary message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// NewError creates a classified error.
func NewError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrEndpointUnavailable = &Error{Code: CodeEndpointUnavailable, Message: "no endpoint could be reached"}
	ErrCrossSessionPayload = &Error{Code: CodeCrossSessionPayload, Message: "payload built under a different schema identity"}
	ErrSessionDisconnected = &Error{Code: CodeSessionDisconnected, Message: "execution session is no longer active"}
	ErrTimeout             = &Error{Code: CodeTimeout, Message: "operation timed out"}
	ErrNoSession           = &Error{Code: CodeNoSession, Message: "no execution session for target"}
)

// AsError returns the first *Error in err's chain, or wraps err with fallback.
func AsError(err error, fallback Code, message string) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(fallback, message, err)
}
