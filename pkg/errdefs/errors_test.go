package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  NewPermanent("plan has a dependency cycle"),
			want: "[permanent] plan has a dependency cycle",
		},
		{
			name: "with cause",
			err:  NewTransient("upload failed", errors.New("connection reset")),
			want: "[transient] upload failed: connection reset",
		},
		{
			name: "with unit",
			err:  NewPermanent("toolchain rejected the source").WithUnit("linux-amd64-gnu"),
			want: "[permanent] toolchain rejected the source (unit=linux-amd64-gnu)",
		},
		{
			name: "with unit and op",
			err:  NewTransient("remote checksum failed", errors.New("exit status 1")).WithUnit("web-1").WithOp("verify"),
			want: "[transient] remote checksum failed: exit status 1 (unit=web-1, op=verify)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Fatalf("Expected %q, got: %q", tt.want, got)
			}
		})
	}
}

func TestClassPredicates(t *testing.T) {
	transient := NewTransient("network blip")
	throttled := NewThrottled("too many sessions")
	permanent := NewPermanent("bad plan")

	if !IsTransient(transient) || IsTransient(permanent) {
		t.Fatal("IsTransient misclassified")
	}
	if !IsThrottled(throttled) || IsThrottled(transient) {
		t.Fatal("IsThrottled misclassified")
	}
	if !IsPermanent(permanent) || IsPermanent(throttled) {
		t.Fatal("IsPermanent misclassified")
	}
	if !IsRetryable(transient) || !IsRetryable(throttled) || IsRetryable(permanent) {
		t.Fatal("IsRetryable misclassified")
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	inner := NewTransient("ssh dial timeout").WithCode(CodeTransferFailed)
	wrapped := fmt.Errorf("deploying web-1: %w", inner)

	if !IsTransient(wrapped) {
		t.Fatal("Expected transient classification through fmt.Errorf wrapping")
	}

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("Expected errors.As to find the classified error")
	}
	if e.Code != CodeTransferFailed {
		t.Fatalf("Expected code %s, got: %s", CodeTransferFailed, e.Code)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPermanent("cache write failed", cause).WithCode(CodeCacheCorruption)

	if !errors.Is(err, cause) {
		t.Fatal("Expected errors.Is to reach the cause")
	}
}

func TestIsMatchesClassAndCode(t *testing.T) {
	a := NewPermanent("first").WithCode(CodeCompileFailed)
	b := NewPermanent("second").WithCode(CodeCompileFailed)
	c := NewPermanent("third").WithCode(CodeSizeLimit)

	if !errors.Is(a, b) {
		t.Fatal("Expected errors with same class and code to match")
	}
	if errors.Is(a, c) {
		t.Fatal("Expected errors with different codes not to match")
	}
}
