package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotRunning indicates no socket exists for the service.
	ErrNotRunning = errors.New("service not running")

	// ErrAddressInUse indicates another live process owns the socket path.
	ErrAddressInUse = errors.New("socket address in use")

	// ErrStartupTimeout indicates a spawned service never answered ping
	// before the startup ceiling.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrTimeout indicates a call exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionRefused indicates the socket exists but nothing accepts on it.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrProtocol indicates a truncated or malformed frame.
	ErrProtocol = errors.New("protocol error")
)

// Application error codes produced by the Host itself. Business handlers may
// use any other code.
const (
	CodeParseError     = "parse_error"
	CodeInvalidRequest = "invalid_request"
	CodeMethodNotFound = "method_not_found"
	CodeInvalidParams  = "invalid_params"
	CodeInternal       = "internal_error"
	CodeShuttingDown   = "shutting_down"
)

// ProcessExitedError reports a spawned service that exited before answering
// ping. Status is -1 when the process could not be launched at all.
type ProcessExitedError struct {
	Status int
	Detail string
}

func (e *ProcessExitedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("process exited with status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("process exited with status %d", e.Status)
}

// AppError is a domain failure returned by a handler. It crosses the wire
// unchanged and the client surfaces it verbatim.
type AppError struct {
	Code    string
	Message string
}

func (e *AppError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// NewAppError builds an AppError with a formatted message.
func NewAppError(code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams is a shorthand for handlers rejecting their input.
func InvalidParams(format string, args ...any) *AppError {
	return NewAppError(CodeInvalidParams, format, args...)
}

// CallError records the socket and method of a failed transport exchange.
type CallError struct {
	Path   string
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s on %q: %v", e.Method, e.Path, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Kind names the taxonomy bucket of err for display. It returns "" for nil.
func Kind(err error) string {
	var exited *ProcessExitedError
	var app *AppError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	case errors.Is(err, ErrAddressInUse):
		return "address_in_use"
	case errors.Is(err, ErrStartupTimeout):
		return "startup_timeout"
	case errors.As(err, &exited):
		return "process_exited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionRefused):
		return "connection_refused"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.As(err, &app):
		return "application"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// IsNotRunning reports whether err means "nothing is currently serving" as
// opposed to a terminal failure. Probe loops retry on these.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrTimeout)
}

func classifyDialError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR):
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}
	return classifyIOError(ctx, err)
}

func classifyIOError(ctx context.Context, err error) error {
	if errors.Is(err, ErrProtocol) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w", context.Canceled)
	}
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) {
		return fmt.Errorf("%w: peer closed connection: %w", ErrProtocol, err)
	}
	return err
}
