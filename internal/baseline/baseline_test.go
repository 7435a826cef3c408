package baseline

import (
	"math"
	"testing"

	"selftune/internal/types"
)

func TestBaseline_SeedsFromFirstSample(t *testing.T) {
	b := New(0.1, 10)
	b.Observe(0.5)

	if b.EMA() != 0.5 {
		t.Errorf("EMA after first sample = %f, want 0.5", b.EMA())
	}
	if b.SampleCount() != 1 {
		t.Errorf("SampleCount = %d, want 1", b.SampleCount())
	}
}

func TestBaseline_EMADecay(t *testing.T) {
	b := New(0.1, 10)
	b.Observe(1.0)
	b.Observe(0.0)

	// ema = 0.1*0.0 + 0.9*1.0
	if math.Abs(b.EMA()-0.9) > 1e-9 {
		t.Errorf("EMA = %f, want 0.9", b.EMA())
	}

	b.Observe(0.0)
	if math.Abs(b.EMA()-0.81) > 1e-9 {
		t.Errorf("EMA = %f, want 0.81", b.EMA())
	}
}

func TestBaseline_RollingWindowEviction(t *testing.T) {
	b := New(0.5, 3)
	for _, v := range []float64{1, 2, 3} {
		b.Observe(v)
	}
	if got := b.RollingAvg(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("RollingAvg = %f, want 2.0", got)
	}

	// 1 is evicted; window is now [4, 2, 3].
	b.Observe(4)
	if got := b.RollingAvg(); math.Abs(got-3.0) > 1e-9 {
		t.Errorf("RollingAvg after eviction = %f, want 3.0", got)
	}
}

func TestBaseline_PartialWindow(t *testing.T) {
	b := New(0.1, 100)
	b.Observe(10)
	b.Observe(20)

	if got := b.RollingAvg(); math.Abs(got-15.0) > 1e-9 {
		t.Errorf("RollingAvg over partial window = %f, want 15.0", got)
	}
}

func TestBaseline_InvalidConfigFallsBack(t *testing.T) {
	b := New(-1, 0)
	b.Observe(1)
	if b.EMA() != 1 {
		t.Errorf("baseline with fallback config should still observe, EMA = %f", b.EMA())
	}
}

func TestBaseline_SnapshotRestore(t *testing.T) {
	b := New(0.1, 10)
	for i := 0; i < 50; i++ {
		b.Observe(0.04)
	}
	snap := b.Snapshot()
	if snap.SampleCount != 50 {
		t.Fatalf("snapshot sample count = %d, want 50", snap.SampleCount)
	}

	restored := New(0.1, 10)
	restored.Restore(snap)
	if restored.Value() != snap.EMA {
		t.Errorf("restored value = %f, want %f", restored.Value(), snap.EMA)
	}
	if restored.SampleCount() != 50 {
		t.Errorf("restored sample count = %d, want 50", restored.SampleCount())
	}

	// Restored baselines keep learning.
	restored.Observe(0.05)
	if restored.SampleCount() != 51 {
		t.Errorf("sample count after restore+observe = %d, want 51", restored.SampleCount())
	}
}

func TestBaseline_RestoreFromZeroSnapshot(t *testing.T) {
	b := New(0.1, 10)
	b.Restore(types.BaselineSnapshot{})
	if b.SampleCount() != 0 || b.Value() != 0 {
		t.Error("restoring an empty snapshot should yield a fresh baseline")
	}
}
