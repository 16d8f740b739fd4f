package protocol

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// shareHistoryLen bounds the ring of recent inter-share intervals retained
// for diagnostics; only the latest interval drives the retarget decision.
const shareHistoryLen = 5

// significanceThreshold is the minimum relative difficulty change worth
// pushing to the client; anything smaller is noise and would just cause
// mining.set_difficulty chatter for no benefit.
const significanceThreshold = 0.05

// VarDiffConfig carries the pool-wide vardiff tuning knobs, normally
// sourced from the mining section of the YAML config.
type VarDiffConfig struct {
	MinDifficulty   float64
	MaxDifficulty   float64
	TargetShareTime time.Duration
}

// VarDiffState tracks one worker's recent share cadence and current
// difficulty. It guards its own state with an internal mutex, so callers
// in internal/worker can call it directly without their own locking.
type VarDiffState struct {
	cfg VarDiffConfig
	log *zap.Logger

	mu             sync.Mutex
	currentDiff    float64
	lastShareAt    time.Time
	shareIntervals []float64
}

// NewVarDiffState seeds a controller at startDiff, clamped to the
// configured [MinDifficulty, MaxDifficulty] range.
func NewVarDiffState(cfg VarDiffConfig, startDiff float64, log *zap.Logger) *VarDiffState {
	return &VarDiffState{
		cfg:         cfg,
		log:         log,
		currentDiff: clampDiff(startDiff, cfg),
		lastShareAt: time.Now(),
	}
}

// Current returns the worker's active difficulty.
func (v *VarDiffState) Current() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentDiff
}

// RecordShare feeds one accepted share's arrival time into the controller
// and returns (newDiff, true) when the difficulty changed enough to be
// worth pushing a mining.set_difficulty notification, or (0, false)
// otherwise.
//
// The multiplier table is evaluated against the single most recent
// inter-share interval, not a smoothed average: a burst of sub-second
// shares ramps difficulty up hard and fast, a dry spell beyond a minute
// eases it back down, and the band from half to twice the target share
// time (15s-60s at the default 30s) is left alone to avoid oscillation.
func (v *VarDiffState) RecordShare(now time.Time) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	elapsed := now.Sub(v.lastShareAt).Seconds()
	v.lastShareAt = now

	v.shareIntervals = append(v.shareIntervals, elapsed)
	if len(v.shareIntervals) > shareHistoryLen {
		v.shareIntervals = v.shareIntervals[1:]
	}

	target := v.cfg.TargetShareTime.Seconds()
	if target <= 0 {
		target = 30
	}

	mult := retargetMultiplier(elapsed, target)
	if mult == 1.0 {
		return 0, false
	}

	newDiff := clampDiff(v.currentDiff*mult, v.cfg)
	delta := (newDiff - v.currentDiff) / v.currentDiff
	if delta < 0 {
		delta = -delta
	}
	if delta < significanceThreshold {
		return 0, false
	}

	old := v.currentDiff
	v.currentDiff = newDiff

	if v.log != nil {
		v.log.Debug("vardiff retarget",
			zap.Float64("interval_s", elapsed),
			zap.Float64("multiplier", mult),
			zap.Float64("old_difficulty", old),
			zap.Float64("new_difficulty", newDiff),
		)
	}
	return newDiff, true
}

// retargetMultiplier implements the literal adjustment table: shares
// arriving much faster than target ramp difficulty up aggressively;
// shares arriving much slower ease it back down.
func retargetMultiplier(intervalSeconds, targetSeconds float64) float64 {
	switch {
	case intervalSeconds < 1:
		return maxFloat(10, targetSeconds/maxFloat(intervalSeconds, 0.01))
	case intervalSeconds < 5:
		return maxFloat(5, targetSeconds/maxFloat(intervalSeconds, 0.1))
	case intervalSeconds < targetSeconds/2:
		return 2.0
	case intervalSeconds <= targetSeconds*2:
		return 1.0
	default:
		return 0.7
	}
}

func clampDiff(d float64, cfg VarDiffConfig) float64 {
	if cfg.MinDifficulty > 0 && d < cfg.MinDifficulty {
		return cfg.MinDifficulty
	}
	if cfg.MaxDifficulty > 0 && d > cfg.MaxDifficulty {
		return cfg.MaxDifficulty
	}
	return d
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
