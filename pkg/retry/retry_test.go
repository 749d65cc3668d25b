package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	cnerrors "github.com/dvandal/cnpool/pkg/errors"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	cfg := &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return cnerrors.New(cnerrors.ErrorTypeNetwork, "dial", "connection refused")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := &Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	wantErr := cnerrors.New(cnerrors.ErrorTypeValidation, "parse", "bad nonce")
	err := Do(context.Background(), cfg, func() error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Errorf("Do() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on validation errors)", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return cnerrors.New(cnerrors.ErrorTypeDaemon, "rpc", "daemon down")
	})

	if err == nil {
		t.Fatal("Do() error = nil, want exhaustion error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !cnerrors.IsType(err, cnerrors.ErrorTypeInternal) {
		t.Errorf("exhaustion error should be internal, got %v", err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	cfg := &Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func() error {
		calls++
		return cnerrors.New(cnerrors.ErrorTypeNetwork, "dial", "refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestDoWithResult(t *testing.T) {
	cfg := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	calls := 0
	got, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, cnerrors.New(cnerrors.ErrorTypeNetwork, "fetch", "reset")
		}
		return 42, nil
	})

	if err != nil {
		t.Errorf("DoWithResult() error = %v", err)
	}
	if got != 42 {
		t.Errorf("DoWithResult() = %d, want 42", got)
	}
}

func TestDoNilConfigUsesDefault(t *testing.T) {
	err := Do(context.Background(), nil, func() error { return nil })
	if err != nil {
		t.Errorf("Do() with nil config error = %v", err)
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	cfg := &Config{BaseDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10.0}

	if d := cfg.calculateDelay(5); d > 2*time.Second {
		t.Errorf("delay %v exceeds cap %v", d, 2*time.Second)
	}
}
