package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeDaemon, "get_block_template", "daemon unreachable")

	if err.Type != ErrorTypeDaemon {
		t.Errorf("Type = %v, want %v", err.Type, ErrorTypeDaemon)
	}
	if err.Operation != "get_block_template" {
		t.Errorf("Operation = %v, want get_block_template", err.Operation)
	}
	if !err.Retryable {
		t.Error("daemon errors should be retryable by default")
	}
}

func TestNewNotRetryable(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		retryable bool
	}{
		{"validation", ErrorTypeValidation, false},
		{"protocol", ErrorTypeProtocol, false},
		{"network", ErrorTypeNetwork, true},
		{"timeout", ErrorTypeTimeout, true},
		{"kafka", ErrorTypeKafka, true},
		{"redis", ErrorTypeRedis, false},
		{"internal", ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.errorType, "op", "msg")
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrorTypeNetwork, "dial_redis", "cannot reach ledger")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
	if !err.Retryable {
		t.Error("connection refused should be detected as retryable")
	}

	want := "network operation 'dial_redis' failed: cannot reach ledger (caused by: connection refused)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ErrorTypeInternal, "op", "msg"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesRetryability(t *testing.T) {
	inner := New(ErrorTypeValidation, "parse_nonce", "malformed nonce")
	outer := Wrap(inner, ErrorTypeProtocol, "handle_submit", "share rejected")

	if outer.Retryable {
		t.Error("wrapping a non-retryable ServiceError must stay non-retryable")
	}
}

func TestWrapContextCancellation(t *testing.T) {
	wrapped := Wrap(context.Canceled, ErrorTypeNetwork, "op", "msg")
	if wrapped.Retryable {
		t.Error("context cancellation must not be retryable")
	}

	wrapped = Wrap(context.DeadlineExceeded, ErrorTypeNetwork, "op", "msg")
	if wrapped.Retryable {
		t.Error("deadline exceeded must not be retryable")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeRedis, "record_share", "transaction failed").
		WithContext("login", "wallet123").
		WithContext("height", int64(42))

	ctx := GetContext(err)
	if ctx["login"] != "wallet123" {
		t.Errorf("context login = %v, want wallet123", ctx["login"])
	}
	if ctx["height"] != int64(42) {
		t.Errorf("context height = %v, want 42", ctx["height"])
	}
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeDaemon, "submit_block", "rejected")
	wrapped := fmt.Errorf("outer: %w", err)

	if !IsType(wrapped, ErrorTypeDaemon) {
		t.Error("IsType should see through fmt.Errorf wrapping")
	}
	if IsType(wrapped, ErrorTypeRedis) {
		t.Error("IsType should not match a different type")
	}
	if IsType(errors.New("plain"), ErrorTypeDaemon) {
		t.Error("IsType on a plain error should be false")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("dial tcp: connection reset by peer")) {
		t.Error("connection reset should be retryable")
	}
	if IsRetryable(errors.New("invalid address prefix")) {
		t.Error("validation-looking plain error should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}
