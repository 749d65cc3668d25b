package stratum

import (
	"sync"
	"testing"
	"time"

	"github.com/dvandal/cnpool/internal/config"
)

func testVarDiffConfig() config.VarDiffConfig {
	return config.VarDiffConfig{
		Enabled:         true,
		MinDiff:         100,
		MaxDiff:         100000,
		TargetTime:      60 * time.Second,
		RetargetTime:    30 * time.Second,
		VariancePercent: 30,
		MaxJump:         100,
	}
}

func TestRing(t *testing.T) {
	r := newRing(4)

	if r.avg() != 0 {
		t.Errorf("empty ring avg = %v, want 0", r.avg())
	}

	r.append(2)
	r.append(4)
	if got := r.avg(); got != 3 {
		t.Errorf("avg = %v, want 3", got)
	}
	if got := r.avgWith(6); got != 4 {
		t.Errorf("avgWith(6) = %v, want 4", got)
	}
	if r.size() != 2 {
		t.Errorf("size = %d, want 2", r.size())
	}

	// Fill past capacity: oldest samples are overwritten.
	r.append(4)
	r.append(4)
	r.append(100)
	if got := r.avg(); got != 28 {
		t.Errorf("avg after overwrite = %v, want 28", got)
	}

	r.clear()
	if r.size() != 0 {
		t.Errorf("size after clear = %d, want 0", r.size())
	}
	r.append(10)
	if got := r.avg(); got != 10 {
		t.Errorf("avg after clear+append = %v, want 10", got)
	}
}

func TestRetargetIncrease(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)

	// One share every 6 seconds, far below the 60s target.
	for i := 1; i <= 10; i++ {
		d.OnShare(t0.Add(time.Duration(i*6) * time.Second))
	}

	newDiff, changed := d.Retarget(t0.Add(61 * time.Second))
	if !changed {
		t.Fatal("expected a retarget for a fast miner")
	}
	// Ideal difficulty is 10000, capped at +100% of current.
	if newDiff != 2000 {
		t.Errorf("newDiff = %d, want 2000 (max jump cap)", newDiff)
	}
	if d.Difficulty() != 1000 {
		t.Errorf("difficulty applied immediately, want pending until next job")
	}
	if d.PendingDifficulty() != 2000 {
		t.Errorf("pending = %d, want 2000", d.PendingDifficulty())
	}
	if got := d.ApplyPending(); got != 2000 {
		t.Errorf("ApplyPending() = %d, want 2000", got)
	}
	if d.PendingDifficulty() != 0 {
		t.Error("pending not cleared after apply")
	}
}

func TestRetargetDecreaseOnIdle(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)

	// No shares at all: the idle stretch itself drives the decrease.
	newDiff, changed := d.Retarget(t0.Add(200 * time.Second))
	if !changed {
		t.Fatal("expected a retarget for an idle miner")
	}
	// 60/200 * 1000 = 300.
	if newDiff != 300 {
		t.Errorf("newDiff = %d, want 300", newDiff)
	}
}

func TestRetargetWithinBandNoChange(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)

	// Shares right at the target cadence.
	for i := 1; i <= 5; i++ {
		d.OnShare(t0.Add(time.Duration(i*60) * time.Second))
	}

	if _, changed := d.Retarget(t0.Add(301 * time.Second)); changed {
		t.Error("cadence inside the variance band should not retarget")
	}
}

func TestRetargetCadence(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)
	for i := 1; i <= 5; i++ {
		d.OnShare(t0.Add(time.Duration(i) * time.Second))
	}

	if _, changed := d.Retarget(t0.Add(10 * time.Second)); changed {
		t.Error("retarget before RetargetTime elapsed should be a no-op")
	}
	if _, changed := d.Retarget(t0.Add(31 * time.Second)); !changed {
		t.Error("retarget after RetargetTime elapsed should fire")
	}
}

func TestRetargetClampedAtMinNoChange(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 100, false, t0)

	// Already at min difficulty: an idle miner cannot go lower.
	if _, changed := d.Retarget(t0.Add(1000 * time.Second)); changed {
		t.Error("retarget at min difficulty should not report a change")
	}
}

func TestRetargetClampedAtMax(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 100000, false, t0)
	for i := 1; i <= 10; i++ {
		d.OnShare(t0.Add(time.Duration(i) * time.Second))
	}

	if _, changed := d.Retarget(t0.Add(31 * time.Second)); changed {
		t.Error("retarget at max difficulty should not report a change")
	}
}

func TestFixedDifficultyNeverRetargets(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 5000, true, t0)
	for i := 1; i <= 16; i++ {
		d.OnShare(t0.Add(time.Duration(i) * time.Second))
	}

	if _, changed := d.Retarget(t0.Add(300 * time.Second)); changed {
		t.Error("fixed difficulty controller must never retarget")
	}
	if d.Difficulty() != 5000 {
		t.Errorf("difficulty = %d, want 5000", d.Difficulty())
	}
}

func TestStartDifficultyClamped(t *testing.T) {
	t0 := time.Now()

	d := NewDifficultyController(testVarDiffConfig(), 10, false, t0)
	if d.Difficulty() != 100 {
		t.Errorf("start difficulty = %d, want clamped to 100", d.Difficulty())
	}

	d = NewDifficultyController(testVarDiffConfig(), 10_000_000, false, t0)
	if d.Difficulty() != 100000 {
		t.Errorf("start difficulty = %d, want clamped to 100000", d.Difficulty())
	}

	// Fixed difficulty may exceed maxDiff.
	d = NewDifficultyController(testVarDiffConfig(), 10_000_000, true, t0)
	if d.Difficulty() != 10_000_000 {
		t.Errorf("fixed start difficulty = %d, want 10000000", d.Difficulty())
	}
}

func TestRetargetIdleResetsWindowWithoutChange(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 100, false, t0)

	// At the floor already: the clamp leaves the difficulty in place, but
	// the idle stretch must still be consumed so the next window does not
	// measure the same silence twice.
	idle := t0.Add(1000 * time.Second)
	if _, changed := d.Retarget(idle); changed {
		t.Fatal("no change expected at min difficulty")
	}
	if !d.lastShareTime.Equal(idle) {
		t.Errorf("lastShareTime = %v, want reset to %v", d.lastShareTime, idle)
	}
}

func TestControllerConcurrentAccess(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)

	// Shares land on the session goroutine while the server ticker drives
	// retargets and job mints apply pending changes.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			d.OnShare(t0.Add(time.Duration(i) * time.Second))
			_ = d.Difficulty()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			d.Retarget(t0.Add(time.Duration(i*31) * time.Second))
			_ = d.ApplyPending()
		}
	}()
	wg.Wait()

	if diff := d.Difficulty(); diff < 100 || diff > 100000 {
		t.Errorf("difficulty %d escaped the configured bounds", diff)
	}
}

func TestRetargetClearsBuffer(t *testing.T) {
	t0 := time.Now()
	d := NewDifficultyController(testVarDiffConfig(), 1000, false, t0)
	for i := 1; i <= 10; i++ {
		d.OnShare(t0.Add(time.Duration(i*6) * time.Second))
	}

	if _, changed := d.Retarget(t0.Add(61 * time.Second)); !changed {
		t.Fatal("expected a retarget")
	}
	d.ApplyPending()

	// With the buffer cleared and no new shares inside the band, the next
	// retarget window must not fire on stale samples.
	if _, changed := d.Retarget(t0.Add(92 * time.Second)); changed {
		t.Error("retarget fired on cleared sample buffer")
	}
}
