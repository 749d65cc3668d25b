package stratum

import (
	"testing"

	"github.com/dvandal/cnpool/internal/config"
)

func testTrustConfig() config.ShareTrustConfig {
	return config.ShareTrustConfig{
		Enabled:   true,
		Min:       20,
		StepDown:  3,
		Threshold: 10,
		Penalty:   30,
	}
}

func TestTrustDisabled(t *testing.T) {
	cfg := testTrustConfig()
	cfg.Enabled = false
	tc := NewTrustController(cfg)
	for i := 0; i < 100; i++ {
		tc.OnValidShare()
	}
	for i := 0; i < 100; i++ {
		if tc.CanSkipVerification() {
			t.Fatal("disabled trust must never skip verification")
		}
	}
}

func TestTrustThresholdBlocksSkipping(t *testing.T) {
	tc := NewTrustController(testTrustConfig())

	// The first threshold shares are always verified.
	for i := 0; i < 10; i++ {
		if tc.CanSkipVerification() {
			t.Fatalf("share %d skipped verification before threshold exhausted", i)
		}
		tc.OnValidShare()
	}
}

func TestTrustEarnedAfterThreshold(t *testing.T) {
	tc := NewTrustController(testTrustConfig())

	// Drive probability down to its floor: threshold exhausts after 10
	// shares, probability floors at min/100 after enough step-downs.
	for i := 0; i < 50; i++ {
		tc.OnValidShare()
	}

	if got := tc.Probability(); got != 0.2 {
		t.Errorf("probability = %v, want floor 0.2", got)
	}

	// With skip chance at 80%, 200 rolls skipping none is implausible.
	skipped := false
	for i := 0; i < 200; i++ {
		if tc.CanSkipVerification() {
			skipped = true
			break
		}
	}
	if !skipped {
		t.Error("trusted miner never skipped verification in 200 rolls")
	}
}

func TestTrustRevokedOnInvalidShare(t *testing.T) {
	tc := NewTrustController(testTrustConfig())
	for i := 0; i < 50; i++ {
		tc.OnValidShare()
	}

	tc.OnInvalidShare()

	if got := tc.Probability(); got != 1 {
		t.Errorf("probability after invalid share = %v, want 1", got)
	}
	// Penalty of 30 verified shares before trust can apply again.
	for i := 0; i < 30; i++ {
		if tc.CanSkipVerification() {
			t.Fatalf("share %d skipped verification during penalty", i)
		}
		tc.OnValidShare()
	}
}
