// Package baseline implements the per-metric drift tracker: an exponential
// moving average favoring recent samples, a windowed rolling average, and a
// sample count that gates confidence. Baselines are pure data structures;
// the owning monitor provides synchronization.
package baseline

import (
	"selftune/internal/types"
)

// DefaultAlpha is the EMA smoothing factor used when none is configured.
const DefaultAlpha = 0.1

// DefaultWindowSize bounds the rolling average window.
const DefaultWindowSize = 100

// Baseline tracks the learned historical value of one metric.
type Baseline struct {
	alpha       float64
	ema         float64
	window      []float64
	windowSize  int
	windowSum   float64
	windowNext  int
	windowFull  bool
	sampleCount uint64
}

// New creates a baseline with the given EMA alpha and rolling window size.
// Out-of-range values fall back to the defaults.
func New(alpha float64, windowSize int) *Baseline {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Baseline{
		alpha:      alpha,
		window:     make([]float64, windowSize),
		windowSize: windowSize,
	}
}

// Observe feeds one sample into the baseline.
func (b *Baseline) Observe(value float64) {
	if b.sampleCount == 0 {
		// Seed the EMA with the first observation instead of decaying from
		// zero, which would understate early baselines.
		b.ema = value
	} else {
		b.ema = b.alpha*value + (1-b.alpha)*b.ema
	}

	if b.windowFull {
		b.windowSum -= b.window[b.windowNext]
	}
	b.window[b.windowNext] = value
	b.windowSum += value
	b.windowNext++
	if b.windowNext == b.windowSize {
		b.windowNext = 0
		b.windowFull = true
	}

	b.sampleCount++
}

// EMA returns the exponential moving average.
func (b *Baseline) EMA() float64 { return b.ema }

// RollingAvg returns the average over the rolling window.
func (b *Baseline) RollingAvg() float64 {
	n := b.windowLen()
	if n == 0 {
		return 0
	}
	return b.windowSum / float64(n)
}

// SampleCount returns the total number of observed samples.
func (b *Baseline) SampleCount() uint64 { return b.sampleCount }

// Value returns the baseline value used for drift comparison. The EMA is
// preferred; it reacts faster to genuine shifts than the rolling average.
func (b *Baseline) Value() float64 { return b.ema }

// Snapshot returns a read-only view for health reports and persistence.
func (b *Baseline) Snapshot() types.BaselineSnapshot {
	return types.BaselineSnapshot{
		EMA:         b.ema,
		RollingAvg:  b.RollingAvg(),
		SampleCount: b.sampleCount,
	}
}

// Restore rehydrates a baseline from a persisted snapshot. The rolling
// window restarts empty; it refills within one window of new samples.
func (b *Baseline) Restore(snap types.BaselineSnapshot) {
	b.ema = snap.EMA
	b.sampleCount = snap.SampleCount
	b.windowSum = 0
	b.windowNext = 0
	b.windowFull = false
	for i := range b.window {
		b.window[i] = 0
	}
}

func (b *Baseline) windowLen() int {
	if b.windowFull {
		return b.windowSize
	}
	return b.windowNext
}
