// Package errors provides the structured error type shared by every madbfs layer.
//
// Errors carry a code and a category. The category separates transport
// failures (the adb process could not run, the device went away) from
// filesystem failures parsed out of the remote command output, so callers can
// decide whether a retry can possibly succeed.
package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// Filesystem errors, parsed from remote output
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	ErrCodeNotDirectory     ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory      ErrorCode = "IS_DIRECTORY"
	ErrCodeNotEmpty         ErrorCode = "NOT_EMPTY"
	ErrCodeNoSpace          ErrorCode = "NO_SPACE"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeReadOnly         ErrorCode = "READ_ONLY"
	ErrCodeNotSupported     ErrorCode = "NOT_SUPPORTED"
	ErrCodeIOError          ErrorCode = "IO_ERROR"

	// Transport errors
	ErrCodeSpawnFailed     ErrorCode = "SPAWN_FAILED"
	ErrCodeBrokenPipe      ErrorCode = "BROKEN_PIPE"
	ErrCodeExitStatus      ErrorCode = "EXIT_STATUS"
	ErrCodeMalformedOutput ErrorCode = "MALFORMED_OUTPUT"
	ErrCodeNoDevice        ErrorCode = "NO_DEVICE"
	ErrCodeTryAgain        ErrorCode = "TRY_AGAIN"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeInterrupted     ErrorCode = "INTERRUPTED"

	// Control channel errors
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"
	ErrCodeMessageTooLarge  ErrorCode = "MESSAGE_TOO_LARGE"
	ErrCodeOutOfBounds      ErrorCode = "OUT_OF_BOUNDS"

	// Tree invariant violations
	ErrCodeParentMissing ErrorCode = "PARENT_MISSING"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"

	// Setup
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeMountFailed      ErrorCode = "MOUNT_FAILED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryTransport     ErrorCategory = "transport"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryProtocol      ErrorCategory = "protocol"
	CategoryInvariant     ErrorCategory = "invariant"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeNotFound:         CategoryFilesystem,
	ErrCodePermissionDenied: CategoryFilesystem,
	ErrCodeAlreadyExists:    CategoryFilesystem,
	ErrCodeNotDirectory:     CategoryFilesystem,
	ErrCodeIsDirectory:      CategoryFilesystem,
	ErrCodeNotEmpty:         CategoryFilesystem,
	ErrCodeNoSpace:          CategoryFilesystem,
	ErrCodeInvalidArgument:  CategoryFilesystem,
	ErrCodeReadOnly:         CategoryFilesystem,
	ErrCodeNotSupported:     CategoryFilesystem,
	ErrCodeIOError:          CategoryFilesystem,

	ErrCodeSpawnFailed:     CategoryTransport,
	ErrCodeBrokenPipe:      CategoryTransport,
	ErrCodeExitStatus:      CategoryTransport,
	ErrCodeMalformedOutput: CategoryTransport,
	ErrCodeNoDevice:        CategoryTransport,
	ErrCodeTryAgain:        CategoryTransport,
	ErrCodeTimeout:         CategoryTransport,
	ErrCodeInterrupted:     CategoryTransport,

	ErrCodeInvalidOperation: CategoryProtocol,
	ErrCodeMessageTooLarge:  CategoryProtocol,
	ErrCodeOutOfBounds:      CategoryProtocol,

	ErrCodeParentMissing: CategoryInvariant,
	ErrCodeInvalidState:  CategoryInvariant,

	ErrCodeInvalidConfig:    CategoryConfiguration,
	ErrCodeConfigValidation: CategoryConfiguration,
	ErrCodeMountFailed:      CategoryState,
	ErrCodeComponentStopped: CategoryState,
}

// Error is the structured error returned by madbfs components.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Path      string `json:"path,omitempty"`
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Cause     error  `json:"-"`

	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (%q)", e.Path)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new error with the defaults for its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory returns the category of a code. Unknown codes are transport.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryTransport
}

// IsRetryableByDefault reports whether a fresh error with this code is retryable.
// Only transport failures that can clear up on their own qualify.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNoDevice, ErrCodeTryAgain, ErrCodeTimeout, ErrCodeBrokenPipe:
		return true
	}
	return false
}

// WithPath sets the path the error refers to.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryable default.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderr.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or ErrCodeIOError for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeIOError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	e, ok := As(err)
	return ok && e.Category == CategoryTransport
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

var errnos = map[ErrorCode]syscall.Errno{
	ErrCodeNotFound:         syscall.ENOENT,
	ErrCodePermissionDenied: syscall.EACCES,
	ErrCodeAlreadyExists:    syscall.EEXIST,
	ErrCodeNotDirectory:     syscall.ENOTDIR,
	ErrCodeIsDirectory:      syscall.EISDIR,
	ErrCodeNotEmpty:         syscall.ENOTEMPTY,
	ErrCodeNoSpace:          syscall.ENOSPC,
	ErrCodeInvalidArgument:  syscall.EINVAL,
	ErrCodeReadOnly:         syscall.EROFS,
	ErrCodeNotSupported:     syscall.EOPNOTSUPP,
	ErrCodeIOError:          syscall.EIO,
	ErrCodeNoDevice:         syscall.ENODEV,
	ErrCodeTryAgain:         syscall.EAGAIN,
	ErrCodeTimeout:          syscall.ETIMEDOUT,
	ErrCodeInterrupted:      syscall.EINTR,
	ErrCodeParentMissing:    syscall.ENOENT,
	ErrCodeInvalidState:     syscall.EINVAL,
	ErrCodeOutOfBounds:      syscall.EINVAL,
}

// ToErrno maps err onto the errno a mount adapter should return.
// nil maps to 0; anything unrecognised maps to EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if stderr.As(err, &errno) {
		return errno
	}
	if e, ok := As(err); ok {
		if n, ok := errnos[e.Code]; ok {
			return n
		}
	}
	return syscall.EIO
}

// FromErrno converts an errno into a filesystem error.
func FromErrno(errno syscall.Errno, message string) *Error {
	for code, n := range errnos {
		if n == errno && GetCategory(code) == CategoryFilesystem {
			return NewError(code, message)
		}
	}
	return NewError(ErrCodeIOError, message).WithCause(errno)
}

// Interrupted reports that the caller gave up waiting because ctx is done.
// An expired deadline is a TIMEOUT, a cancellation is INTERRUPTED.
func Interrupted(ctx context.Context) *Error {
	cause := ctx.Err()
	if stderr.Is(cause, context.DeadlineExceeded) {
		return NewError(ErrCodeTimeout, "deadline exceeded").WithCause(cause)
	}
	return NewError(ErrCodeInterrupted, "operation interrupted").WithCause(cause)
}

// NotFound is a shorthand for a NOT_FOUND error on path.
func NotFound(path string) *Error {
	return NewError(ErrCodeNotFound, "no such file or directory").WithPath(path)
}
