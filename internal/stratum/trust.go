package stratum

import (
	"math/rand"

	"github.com/dvandal/cnpool/internal/config"
)

// TrustController decides when a miner's shares may skip the expensive PoW
// verification. Trust is earned by consecutive valid shares and revoked by
// a single invalid one.
type TrustController struct {
	opts config.ShareTrustConfig

	threshold   int64
	penalty     int64
	probability float64
}

// NewTrustController creates a controller in the fully distrusting state
func NewTrustController(opts config.ShareTrustConfig) *TrustController {
	return &TrustController{
		opts:        opts,
		threshold:   opts.Threshold,
		probability: 1,
	}
}

// CanSkipVerification reports whether the next share may bypass hash
// verification. A share is only skippable once the initial threshold is
// exhausted, no penalty is outstanding, and a probability roll passes.
func (t *TrustController) CanSkipVerification() bool {
	if !t.opts.Enabled {
		return false
	}
	return t.threshold <= 0 && t.penalty <= 0 && rand.Float64() > t.probability
}

// OnValidShare rewards a verified share by decaying the verification
// probability toward the configured floor
func (t *TrustController) OnValidShare() {
	if t.probability > t.opts.Min/100 {
		t.probability -= t.opts.StepDown / 100
		if t.probability < t.opts.Min/100 {
			t.probability = t.opts.Min / 100
		}
	}
	if t.penalty > 0 {
		t.penalty--
	}
	if t.threshold > 0 {
		t.threshold--
	}
}

// OnInvalidShare revokes all earned trust
func (t *TrustController) OnInvalidShare() {
	t.probability = 1
	t.penalty = t.opts.Penalty
}

// Probability exposes the current verification probability for logging
func (t *TrustController) Probability() float64 {
	return t.probability
}
