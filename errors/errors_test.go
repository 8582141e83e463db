package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected string
	}{
		{ErrNotFound, "not found"},
		{ErrAlreadyExists, "already exists"},
		{ErrInvalidState, "invalid state"},
		{ErrInvalidConfig, "invalid config"},
		{ErrPermission, "permission denied"},
		{ErrObject, "object error"},
		{ErrMemory, "memory error"},
		{ErrSchedule, "schedule error"},
		{ErrIPC, "ipc error"},
		{ErrInterrupt, "interrupt error"},
		{ErrBudget, "budget error"},
		{ErrFatal, "fatal error"},
		{ErrInternal, "internal error"},
		{ErrorKind(999), "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("ErrorKind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKernelError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *KernelError
		expected string
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: "<nil>",
		},
		{
			name: "full error",
			err: &KernelError{
				Op:     "retype",
				Thread: 0x400001,
				Kind:   ErrNotFound,
				Detail: "untyped object not found",
				Err:    fmt.Errorf("lookup failed"),
			},
			expected: "thread 0x400001: retype: untyped object not found: lookup failed",
		},
		{
			name: "without thread",
			err: &KernelError{
				Op:     "map-page",
				Kind:   ErrMemory,
				Detail: "fpage not mapped",
			},
			expected: "map-page: fpage not mapped",
		},
		{
			name: "kind only",
			err: &KernelError{
				Kind: ErrPermission,
			},
			expected: "permission denied",
		},
		{
			name: "with underlying error",
			err: &KernelError{
				Op:   "send",
				Kind: ErrIPC,
				Err:  fmt.Errorf("endpoint gone"),
			},
			expected: "send: ipc error: endpoint gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("KernelError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKernelError_Unwrap(t *testing.T) {
	underlying := fmt.Errorf("underlying error")
	err := &KernelError{
		Op:   "test",
		Kind: ErrInternal,
		Err:  underlying,
	}

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should match the underlying error")
	}
}

func TestKernelError_Is(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), ErrBudget, "charge")

	if !Is(err, ErrBudgetInsufficient) {
		t.Error("errors with the same kind should match")
	}
	if Is(err, ErrObjectNotFound) {
		t.Error("errors with different kinds should not match")
	}
}

func TestConstructors(t *testing.T) {
	err := New(ErrSchedule, "enqueue", "bad priority")
	if err.Kind != ErrSchedule || err.Op != "enqueue" || err.Detail != "bad priority" {
		t.Errorf("New built %+v", err)
	}

	wrapped := WrapWithThread(err, ErrIPC, "send", 0x400001)
	if wrapped.Thread != 0x400001 || wrapped.Err != err {
		t.Errorf("WrapWithThread built %+v", wrapped)
	}

	detailed := WrapWithDetail(err, ErrMemory, "unmap", "not mapped")
	if detailed.Detail != "not mapped" || detailed.Kind != ErrMemory {
		t.Errorf("WrapWithDetail built %+v", detailed)
	}
}

func TestIsKindAndGetKind(t *testing.T) {
	err := fmt.Errorf("context: %w", New(ErrInterrupt, "bind", "line busy"))

	if !IsKind(err, ErrInterrupt) {
		t.Error("IsKind should see through wrapping")
	}
	if IsKind(err, ErrMemory) {
		t.Error("IsKind matched the wrong kind")
	}
	kind, ok := GetKind(err)
	if !ok || kind != ErrInterrupt {
		t.Errorf("GetKind = %v, %v", kind, ok)
	}
	if _, ok := GetKind(fmt.Errorf("plain")); ok {
		t.Error("GetKind matched a plain error")
	}
}

func TestSentinels(t *testing.T) {
	if !Is(ErrObjectNotFound, &KernelError{Kind: ErrNotFound}) {
		t.Error("sentinel kind mismatch")
	}
	if ErrPreempted.Kind != ErrSchedule {
		t.Error("preempted sentinel has wrong kind")
	}
	if ErrThreadEssential.Kind != ErrFatal {
		t.Error("essential-abort sentinel has wrong kind")
	}
}
