package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrTimeout           = errors.New("timeout")
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrNonZeroExit       = errors.New("nonzero exit status")
	ErrVerification      = errors.New("verification failed")
	ErrInvalidInput      = errors.New("invalid input")
)

// ErrorType represents the category of a remote operation failure
type ErrorType string

const (
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeConnectionRefused ErrorType = "connection_refused"
	ErrorTypeConnection        ErrorType = "connection"
	ErrorTypeNonZeroExit       ErrorType = "nonzero_exit"
	ErrorTypeTransport         ErrorType = "transport"
	ErrorTypeVerification      ErrorType = "verification"
	ErrorTypeValidation        ErrorType = "validation"
)

// RemoteError is a structured error for operations against the monitored host
type RemoteError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "ssh_run", "prometheus_query")
	Host      string
	Command   string
	ExitCode  int // Only meaningful for ErrorTypeNonZeroExit
	Stderr    string
	Err       error
	Timestamp time.Time
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Host != "" {
		b.WriteString(" on ")
		b.WriteString(e.Host)
	}
	if e.Type == ErrorTypeNonZeroExit {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
		if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
			fmt.Fprintf(&b, " (stderr: %s)", truncate(stderr, 200))
		}
		return b.String()
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionRefused:
		return e.Type == ErrorTypeConnectionRefused
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection || e.Type == ErrorTypeConnectionRefused
	case ErrNonZeroExit:
		return e.Type == ErrorTypeNonZeroExit
	case ErrVerification:
		return e.Type == ErrorTypeVerification
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewRemoteError creates a new RemoteError
func NewRemoteError(errorType ErrorType, op, host string, err error) *RemoteError {
	return &RemoteError{
		Type:      errorType,
		Op:        op,
		Host:      host,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithCommand records the command that was being run
func (e *RemoteError) WithCommand(command string) *RemoteError {
	e.Command = command
	return e
}

// WithExit records the exit status and captured stderr of a command
func (e *RemoteError) WithExit(code int, stderr string) *RemoteError {
	e.ExitCode = code
	e.Stderr = stderr
	return e
}

// Helper functions

// WrapTimeout wraps a timeout with context
func WrapTimeout(op, host string, err error) *RemoteError {
	return NewRemoteError(ErrorTypeTimeout, op, host, err)
}

// WrapConnectionError wraps a connection error, distinguishing refusals
func WrapConnectionError(op, host string, err error, refused bool) *RemoteError {
	if refused {
		return NewRemoteError(ErrorTypeConnectionRefused, op, host, err)
	}
	return NewRemoteError(ErrorTypeConnection, op, host, err)
}

// NewExitError reports a command that ran but exited nonzero
func NewExitError(op, host, command string, code int, stderr string) error {
	return NewRemoteError(ErrorTypeNonZeroExit, op, host, ErrNonZeroExit).
		WithCommand(command).
		WithExit(code, stderr)
}

// NewValidationError reports a request that was rejected before anything ran
func NewValidationError(op, host, detail string) error {
	return NewRemoteError(ErrorTypeValidation, op, host, errors.New(detail))
}

// NewVerificationError reports a post-condition that did not hold
func NewVerificationError(op, host, detail string) error {
	return NewRemoteError(ErrorTypeVerification, op, host, errors.New(detail))
}

// TypeOf returns the ErrorType of err, or "" when err is not a RemoteError
func TypeOf(err error) ErrorType {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Type
	}
	return ""
}

// IsRetryableError checks if an error is worth retrying on a later cycle
func IsRetryableError(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeConnectionRefused, ErrorTypeTransport:
		return true
	case "":
		return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
