package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph validation error codes. These are fatal at validation time: a graph
// that produces one never starts running.
const (
	ErrGraphCycle         ErrorCode = "GRAPH_CYCLE"
	ErrDanglingEdge       ErrorCode = "GRAPH_DANGLING_EDGE"
	ErrSocketTypeMismatch ErrorCode = "GRAPH_SOCKET_TYPE_MISMATCH"
	ErrUnreachableNode    ErrorCode = "GRAPH_UNREACHABLE_NODE"
	ErrInvalidLoopRegion  ErrorCode = "GRAPH_INVALID_LOOP_REGION"
	ErrNoEntryNode        ErrorCode = "GRAPH_NO_ENTRY_NODE"
	ErrNoAnswerNode       ErrorCode = "GRAPH_NO_ANSWER_NODE"
)

// Runtime error codes.
const (
	ErrUnresolvedReference ErrorCode = "UNRESOLVED_REFERENCE"
	ErrRateLimited         ErrorCode = "PROVIDER_RATE_LIMITED"
	ErrProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	ErrInvalidRequest      ErrorCode = "PROVIDER_INVALID_REQUEST"
	ErrProviderUnknown     ErrorCode = "PROVIDER_UNKNOWN"
	ErrToolFailed          ErrorCode = "TOOL_FAILED"
	ErrSandboxFailed       ErrorCode = "SANDBOX_FAILED"
	ErrRetrievalFailed     ErrorCode = "RETRIEVAL_FAILED"
	ErrHTTPFailed          ErrorCode = "HTTP_FAILED"
	ErrLoopLimitExceeded   ErrorCode = "LOOP_LIMIT_EXCEEDED"
	ErrExecutionTimeout    ErrorCode = "EXECUTION_TIMEOUT"
	ErrRunCancelled        ErrorCode = "RUN_CANCELLED"
	ErrRetriesExhausted    ErrorCode = "RETRIES_EXHAUSTED"
	ErrConditionFailed     ErrorCode = "CONDITION_FAILED"
	ErrInternal            ErrorCode = "INTERNAL"
)

// Error is the structured error type used throughout the engine. It carries a
// stable code, a retryability flag consulted by node retry policies, and an
// optional node attribution for trace records.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode attributes the error to a node.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// engine error. Timeouts and rate limits are retryable; malformed requests
// are not.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, or "" when err is not an
// engine error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsStructural reports whether the code belongs to the graph validation
// family. Structural errors are rejected before any node runs.
func IsStructural(code ErrorCode) bool {
	switch code {
	case ErrGraphCycle, ErrDanglingEdge, ErrSocketTypeMismatch,
		ErrUnreachableNode, ErrInvalidLoopRegion, ErrNoEntryNode, ErrNoAnswerNode:
		return true
	}
	return false
}
