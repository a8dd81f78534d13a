package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeNotFound, "no such file")
		if err.Code != ErrCodeNotFound {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotFound)
		}
		if err.Category != CategoryFilesystem {
			t.Errorf("Category = %v, want %v", err.Category, CategoryFilesystem)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("transport availability errors are retryable", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeNoDevice, ErrCodeTryAgain, ErrCodeTimeout} {
			if !NewError(code, "x").Retryable {
				t.Errorf("%s should be retryable by default", code)
			}
		}
	})

	t.Run("filesystem errors are never retryable", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrCodeNotFound, ErrCodePermissionDenied, ErrCodeAlreadyExists} {
			if NewError(code, "x").Retryable {
				t.Errorf("%s should not be retryable", code)
			}
		}
	})

	t.Run("exit status is transport but not retryable", func(t *testing.T) {
		err := NewError(ErrCodeExitStatus, "exit status 1")
		if err.Category != CategoryTransport {
			t.Errorf("Category = %v, want transport", err.Category)
		}
		if err.Retryable {
			t.Error("EXIT_STATUS should not be retryable by default")
		}
	})
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrCodeNotFound, "gone"),
			want: "NOT_FOUND: gone",
		},
		{
			name: "component and operation",
			err:  NewError(ErrCodeNotFound, "gone").WithComponent("tree").WithOperation("pull"),
			want: "[tree:pull] NOT_FOUND: gone",
		},
		{
			name: "with path",
			err:  NotFound("/sdcard/a b"),
			want: `NOT_FOUND: no such file or directory ("/sdcard/a b")`,
		},
		{
			name: "with cause",
			err:  NewError(ErrCodeSpawnFailed, "spawn").WithCause(fmt.Errorf("no adb")),
			want: "SPAWN_FAILED: spawn: no adb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()

	base := NewError(ErrCodeNotFound, "a")
	wrapped := fmt.Errorf("pull failed: %w", base)

	if !errors.Is(wrapped, NewError(ErrCodeNotFound, "other message")) {
		t.Error("errors.Is should match by code through wrapping")
	}
	if errors.Is(wrapped, NewError(ErrCodeNotEmpty, "a")) {
		t.Error("errors.Is should not match a different code")
	}
	if got := CodeOf(wrapped); got != ErrCodeNotFound {
		t.Errorf("CodeOf = %v, want NOT_FOUND", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeIOError {
		t.Errorf("CodeOf(foreign) = %v, want IO_ERROR", got)
	}
	if !HasCode(wrapped, ErrCodeNotFound) {
		t.Error("HasCode should see through wrapping")
	}
	if IsTransport(wrapped) {
		t.Error("NOT_FOUND is not a transport error")
	}
	if !IsTransport(NewError(ErrCodeSpawnFailed, "x")) {
		t.Error("SPAWN_FAILED is a transport error")
	}
	if !IsRetryable(fmt.Errorf("x: %w", NewError(ErrCodeNoDevice, "offline"))) {
		t.Error("NO_DEVICE should be retryable through wrapping")
	}
}

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{NewError(ErrCodeNotFound, ""), syscall.ENOENT},
		{NewError(ErrCodePermissionDenied, ""), syscall.EACCES},
		{NewError(ErrCodeAlreadyExists, ""), syscall.EEXIST},
		{NewError(ErrCodeNotDirectory, ""), syscall.ENOTDIR},
		{NewError(ErrCodeIsDirectory, ""), syscall.EISDIR},
		{NewError(ErrCodeNotEmpty, ""), syscall.ENOTEMPTY},
		{NewError(ErrCodeReadOnly, ""), syscall.EROFS},
		{NewError(ErrCodeParentMissing, ""), syscall.ENOENT},
		{NewError(ErrCodeSpawnFailed, ""), syscall.EIO},
		{NewError(ErrCodeNoDevice, ""), syscall.ENODEV},
		{fmt.Errorf("wrapped: %w", syscall.EXDEV), syscall.EXDEV},
		{fmt.Errorf("foreign"), syscall.EIO},
	}

	for _, tt := range tests {
		if got := ToErrno(tt.err); got != tt.want {
			t.Errorf("ToErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFromErrno(t *testing.T) {
	t.Parallel()

	if got := FromErrno(syscall.ENOENT, "x").Code; got != ErrCodeNotFound {
		t.Errorf("FromErrno(ENOENT) = %v, want NOT_FOUND", got)
	}
	if got := FromErrno(syscall.EXDEV, "x").Code; got != ErrCodeIOError {
		t.Errorf("FromErrno(EXDEV) = %v, want IO_ERROR", got)
	}
}

func TestInterrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Interrupted(ctx)
	if err.Code != ErrCodeInterrupted || err.Retryable {
		t.Errorf("cancelled: code = %v retryable = %v, want INTERRUPTED and not retryable", err.Code, err.Retryable)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cancelled: cause not kept")
	}
	if got := ToErrno(err); got != syscall.EINTR {
		t.Errorf("ToErrno(interrupted) = %v, want EINTR", got)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	if got := Interrupted(ctx).Code; got != ErrCodeTimeout {
		t.Errorf("deadline: code = %v, want TIMEOUT", got)
	}
}

func TestErrorJSON(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeOutOfBounds, "page size too large").WithDetail("kib", 8192)
	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("json.Marshal: %v", marshalErr)
	}
	s := string(data)
	for _, want := range []string{`"code":"OUT_OF_BOUNDS"`, `"category":"protocol"`, `"kib":8192`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON %s missing %s", s, want)
		}
	}
}
