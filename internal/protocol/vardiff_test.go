package protocol

import (
	"testing"
	"time"
)

func testCfg() VarDiffConfig {
	return VarDiffConfig{
		MinDifficulty:   1000,
		MaxDifficulty:   1e8,
		TargetShareTime: 30 * time.Second,
	}
}

func TestVarDiffRampsUpOnFastShares(t *testing.T) {
	v := NewVarDiffState(testCfg(), 10000, nil)
	base := time.Now()

	// Seed lastShareAt far enough in the past that the first interval
	// itself looks like an ultra-fast share.
	v.lastShareAt = base.Add(-500 * time.Millisecond)

	newDiff, changed := v.RecordShare(base)
	if !changed {
		t.Fatal("expected a retarget on an ultra-fast share")
	}
	if newDiff <= 10000 {
		t.Errorf("expected difficulty to increase, got %v", newDiff)
	}
}

func TestVarDiffErasesDownOnSlowShares(t *testing.T) {
	v := NewVarDiffState(testCfg(), 50000, nil)
	base := time.Now()
	v.lastShareAt = base.Add(-90 * time.Second)

	newDiff, changed := v.RecordShare(base)
	if !changed {
		t.Fatal("expected a retarget on a slow share")
	}
	if newDiff >= 50000 {
		t.Errorf("expected difficulty to decrease, got %v", newDiff)
	}
}

func TestVarDiffStableBandNoChange(t *testing.T) {
	v := NewVarDiffState(testCfg(), 10000, nil)
	base := time.Now()
	v.lastShareAt = base.Add(-30 * time.Second)

	_, changed := v.RecordShare(base)
	if changed {
		t.Error("expected no retarget for a share arriving at the target interval")
	}
}

func TestVarDiffRespectsMinMax(t *testing.T) {
	cfg := testCfg()
	v := NewVarDiffState(cfg, 1000, nil)
	base := time.Now()
	v.lastShareAt = base.Add(-200 * time.Second)

	newDiff, changed := v.RecordShare(base)
	if changed && newDiff < cfg.MinDifficulty {
		t.Errorf("difficulty %v fell below MinDifficulty %v", newDiff, cfg.MinDifficulty)
	}
}
