package stratum

import (
	"math"
	"sync"
	"time"

	"github.com/dvandal/cnpool/internal/config"
)

const retargetSamples = 16

// DifficultyController implements variable difficulty for one miner. It
// tracks inter-share intervals in a ring buffer and nudges the share
// difficulty so the miner lands near one share per target interval.
// Shares arrive on the session goroutine while retargets run on the
// server ticker, so all state lives behind the mutex.
type DifficultyController struct {
	mu   sync.Mutex
	opts config.VarDiffConfig

	difficulty int64
	pending    int64
	fixed      bool

	buffer        *ring
	lastShareTime time.Time
	lastRetarget  time.Time
}

// NewDifficultyController creates a controller starting at the given
// difficulty. A fixed controller never retargets.
func NewDifficultyController(opts config.VarDiffConfig, startDiff int64, fixed bool, now time.Time) *DifficultyController {
	if startDiff < opts.MinDiff {
		startDiff = opts.MinDiff
	}
	if !fixed && startDiff > opts.MaxDiff {
		startDiff = opts.MaxDiff
	}
	return &DifficultyController{
		opts:          opts,
		difficulty:    startDiff,
		fixed:         fixed,
		buffer:        newRing(retargetSamples),
		lastShareTime: now,
		lastRetarget:  now,
	}
}

// Difficulty returns the difficulty currently in effect
func (d *DifficultyController) Difficulty() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.difficulty
}

// PendingDifficulty returns the retargeted difficulty awaiting application,
// or zero when none is pending
func (d *DifficultyController) PendingDifficulty() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// ApplyPending promotes a pending difficulty into effect and returns the
// active difficulty. Called when the next job is minted.
func (d *DifficultyController) ApplyPending() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != 0 {
		d.difficulty = d.pending
		d.pending = 0
	}
	return d.difficulty
}

// OnShare records the interval since the previous share
func (d *DifficultyController) OnShare(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixed {
		return
	}
	d.buffer.append(now.Sub(d.lastShareTime).Seconds())
	d.lastShareTime = now
}

// Retarget computes a new difficulty from the observed share cadence.
// Returns the new difficulty and whether a change is pending. The change
// takes effect at the next job mint via ApplyPending.
func (d *DifficultyController) Retarget(now time.Time) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fixed || !d.opts.Enabled {
		return d.difficulty, false
	}
	if now.Sub(d.lastRetarget) < d.opts.RetargetTime {
		return d.difficulty, false
	}
	d.lastRetarget = now

	targetTime := d.opts.TargetTime.Seconds()
	variance := d.opts.VariancePercent / 100 * targetTime
	tMin := targetTime - variance
	tMax := targetTime + variance

	sinceLast := now.Sub(d.lastShareTime).Seconds()
	decreaser := sinceLast > tMax
	if decreaser {
		// An idle stretch is consumed here, whether or not the clamp
		// leaves the difficulty in place.
		defer func() { d.lastShareTime = now }()
	}

	var avg float64
	if decreaser {
		// A silent miner counts its idle stretch as one slow sample.
		avg = d.buffer.avgWith(sinceLast)
	} else {
		if d.buffer.size() == 0 {
			return d.difficulty, false
		}
		avg = d.buffer.avg()
	}
	if avg <= 0 {
		return d.difficulty, false
	}
	if avg >= tMin && avg <= tMax {
		return d.difficulty, false
	}

	newDiff := int64(math.Round(targetTime / avg * float64(d.difficulty)))

	// Cap the step at maxJump percent of the current difficulty.
	if d.opts.MaxJump > 0 {
		maxStep := int64(math.Round(d.opts.MaxJump / 100 * float64(d.difficulty)))
		if maxStep < 1 {
			maxStep = 1
		}
		if newDiff > d.difficulty+maxStep {
			newDiff = d.difficulty + maxStep
		} else if newDiff < d.difficulty-maxStep {
			newDiff = d.difficulty - maxStep
		}
	}

	if newDiff < d.opts.MinDiff {
		newDiff = d.opts.MinDiff
	}
	if newDiff > d.opts.MaxDiff {
		newDiff = d.opts.MaxDiff
	}

	if newDiff == d.difficulty {
		return d.difficulty, false
	}

	d.pending = newDiff
	d.buffer.clear()
	return newDiff, true
}
