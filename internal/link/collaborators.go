package link

import (
	"context"
	"fmt"
)

// Severity classifies user-facing notifications.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// IdentityStore supplies the locally configured client identity.
type IdentityStore interface {
	Get() string
	ValidFormat(uuid string) bool
}

// Settings carries the reconnect request flag and receives identity rejections.
type Settings interface {
	ReconnectRequested() bool
	ClearReconnectRequest()
	IdentityRejected(uuid string)
}

// Notifier surfaces conditions the user has to act on.
type Notifier interface {
	Show(title, message string, severity Severity)
}

// Executor handles one decompressed request and returns the response payload.
// A nil response with a nil error means nothing is sent back.
type Executor interface {
	Handle(ctx context.Context, request []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f ExecutorFunc) Handle(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// ExecutionError reports a request the executor could not serve. The
// connection stays up; no response is sent.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("execution failed: %v", e.Err)
	}
	return fmt.Sprintf("execution failed: op=%s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
