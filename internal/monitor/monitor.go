// Package monitor ingests invocation events from the host's request path,
// maintains learned baselines per metric, and detects statistically
// significant drift. RecordInvocation is called from many concurrent request
// handlers and must stay cheap; CheckHealth produces a consistent snapshot
// under the same lock so no partial updates are ever visible.
package monitor

import (
	"sort"
	"sync"
	"time"

	"selftune/internal/baseline"
	"selftune/internal/logging"
	"selftune/internal/types"
)

// Config tunes drift detection.
type Config struct {
	// MinSamplesPerCheck gates CheckHealth: fewer samples than this since the
	// last check yields no report.
	MinSamplesPerCheck uint64
	// MinBaselineSamples gates triggering: a baseline with fewer samples is
	// not trusted enough to declare drift.
	MinBaselineSamples uint64
	// EMAAlpha and BaselineWindow configure the per-metric baselines.
	EMAAlpha       float64
	BaselineWindow int
	// Per-metric deviation thresholds, in percent over baseline.
	ErrorRateThresholdPct float64
	LatencyThresholdPct   float64
	QualityThresholdPct   float64
	// QualityMinimum is an absolute floor; quality below it triggers even
	// when the relative deviation is small.
	QualityMinimum float64
	// MaxLatencyWindow bounds the latency reservoir used for p95.
	MaxLatencyWindow int
}

// DefaultConfig returns the default monitor tuning.
func DefaultConfig() Config {
	return Config{
		MinSamplesPerCheck:    20,
		MinBaselineSamples:    50,
		EMAAlpha:              baseline.DefaultAlpha,
		BaselineWindow:        baseline.DefaultWindowSize,
		ErrorRateThresholdPct: 25,
		LatencyThresholdPct:   25,
		QualityThresholdPct:   15,
		QualityMinimum:        0.5,
		MaxLatencyWindow:      4096,
	}
}

// Monitor tracks live metrics against learned baselines.
type Monitor struct {
	mu  sync.RWMutex
	cfg Config

	// Window counters since the last health check.
	windowTotal    uint64
	windowFailures uint64
	latencies      []float64
	qualitySum     float64
	qualityCount   uint64

	// Lifetime counters.
	totalInvocations uint64

	errorRateBase *baseline.Baseline
	latencyBase   *baseline.Baseline
	qualityBase   *baseline.Baseline

	// refBaselines is the baseline view captured at the end of the previous
	// check. Baselines keep learning per event, so by check time the live EMA
	// has already absorbed the window under judgment; drift is therefore
	// measured against the pre-window reference.
	refBaselines map[types.MetricKind]types.BaselineSnapshot

	lastCheck time.Time
	now       func() time.Time
}

// New creates a monitor with the given config.
func New(cfg Config) *Monitor {
	if cfg.MaxLatencyWindow <= 0 {
		cfg.MaxLatencyWindow = DefaultConfig().MaxLatencyWindow
	}
	return &Monitor{
		cfg:           cfg,
		errorRateBase: baseline.New(cfg.EMAAlpha, cfg.BaselineWindow),
		latencyBase:   baseline.New(cfg.EMAAlpha, cfg.BaselineWindow),
		qualityBase:   baseline.New(cfg.EMAAlpha, cfg.BaselineWindow),
		now:           time.Now,
	}
}

// RecordInvocation ingests one completed request. Called from the host's
// request path; it takes the write lock but does only counter updates.
func (m *Monitor) RecordInvocation(ev types.InvocationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windowTotal++
	m.totalInvocations++
	if !ev.Success {
		m.windowFailures++
		m.errorRateBase.Observe(1)
	} else {
		m.errorRateBase.Observe(0)
	}

	m.latencyBase.Observe(ev.LatencyMs)
	if len(m.latencies) < m.cfg.MaxLatencyWindow {
		m.latencies = append(m.latencies, ev.LatencyMs)
	} else {
		// Reservoir full: overwrite round-robin so the window stays recent.
		m.latencies[int(m.windowTotal)%m.cfg.MaxLatencyWindow] = ev.LatencyMs
	}

	if ev.QualityScore != nil {
		m.qualitySum += *ev.QualityScore
		m.qualityCount++
		m.qualityBase.Observe(*ev.QualityScore)
	}
}

// CheckHealth compares the current window against baselines and returns a
// report, or nil when fewer than MinSamplesPerCheck samples have accumulated
// since the last check. A returned report always resets the window.
func (m *Monitor) CheckHealth() *types.HealthReport {
	return m.check(false)
}

// ForceCheck bypasses the minimum-sample gate. Used by the manual trigger.
func (m *Monitor) ForceCheck() *types.HealthReport {
	return m.check(true)
}

func (m *Monitor) check(force bool) *types.HealthReport {
	timer := logging.StartTimer(logging.CategoryMonitor, "Monitor.CheckHealth")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && m.windowTotal < m.cfg.MinSamplesPerCheck {
		logging.MonitorDebug("health check skipped: %d/%d samples since last check",
			m.windowTotal, m.cfg.MinSamplesPerCheck)
		return nil
	}

	current := m.snapshotLocked()
	liveBaselines := map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:    m.errorRateBase.Snapshot(),
		types.MetricLatencyP95:   m.latencyBase.Snapshot(),
		types.MetricQualityScore: m.qualityBase.Snapshot(),
	}
	ref := m.refBaselines
	if ref == nil {
		// First check: no pre-window reference exists yet. The maturity gate
		// below keeps this from triggering spuriously.
		ref = liveBaselines
	}

	var triggers []types.TriggerMetric

	if refErr := ref[types.MetricErrorRate]; refErr.SampleCount >= m.cfg.MinBaselineSamples {
		t := types.ErrorRateTrigger{
			Observed:  current.ErrorRate,
			Baseline:  refErr.EMA,
			Threshold: m.cfg.ErrorRateThresholdPct,
		}
		if t.DeviationPct() > m.cfg.ErrorRateThresholdPct {
			triggers = append(triggers, t)
		}
	}

	if refLat := ref[types.MetricLatencyP95]; refLat.SampleCount >= m.cfg.MinBaselineSamples {
		t := types.LatencyTrigger{
			ObservedP95: current.LatencyP95Ms,
			Baseline:    refLat.EMA,
			Threshold:   m.cfg.LatencyThresholdPct,
		}
		if t.DeviationPct() > m.cfg.LatencyThresholdPct {
			triggers = append(triggers, t)
		}
	}

	if refQual := ref[types.MetricQualityScore]; current.HasQuality() && refQual.SampleCount >= m.cfg.MinBaselineSamples {
		t := types.QualityTrigger{
			Observed: current.QualityScore,
			Baseline: refQual.EMA,
			Minimum:  m.cfg.QualityMinimum,
		}
		if t.DeviationPct() > m.cfg.QualityThresholdPct || current.QualityScore < m.cfg.QualityMinimum {
			triggers = append(triggers, t)
		}
	}

	m.refBaselines = liveBaselines
	m.resetWindowLocked()
	m.lastCheck = m.now()

	report := &types.HealthReport{
		Current:     current,
		Baselines:   ref,
		Triggers:    triggers,
		IsHealthy:   len(triggers) == 0,
		GeneratedAt: m.lastCheck,
	}

	if report.IsHealthy {
		logging.MonitorDebug("health check: healthy (%d samples)", current.SampleCount)
	} else {
		for _, t := range triggers {
			logging.Monitor("drift detected: %s", t.Describe())
		}
	}
	return report
}

// Snapshot returns the current window aggregate without resetting it. Used
// for pre-action and post-action metric captures.
func (m *Monitor) Snapshot() types.MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// snapshotLocked computes the current aggregate. Caller holds at least the
// read lock.
func (m *Monitor) snapshotLocked() types.MetricsSnapshot {
	snap := types.MetricsSnapshot{
		SampleCount:  m.windowTotal,
		QualityScore: -1,
		Timestamp:    m.now(),
	}
	if m.windowTotal > 0 {
		snap.ErrorRate = float64(m.windowFailures) / float64(m.windowTotal)
	}
	snap.LatencyP95Ms = p95(m.latencies)
	if m.qualityCount > 0 {
		snap.QualityScore = m.qualitySum / float64(m.qualityCount)
	}
	return snap
}

func (m *Monitor) resetWindowLocked() {
	m.windowTotal = 0
	m.windowFailures = 0
	m.latencies = m.latencies[:0]
	m.qualitySum = 0
	m.qualityCount = 0
}

// BaselineSnapshots returns the current baseline views, for status output and
// persistence.
func (m *Monitor) BaselineSnapshots() map[types.MetricKind]types.BaselineSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:    m.errorRateBase.Snapshot(),
		types.MetricLatencyP95:   m.latencyBase.Snapshot(),
		types.MetricQualityScore: m.qualityBase.Snapshot(),
	}
}

// RestoreBaselines rehydrates baselines from persisted snapshots so learned
// drift survives restarts.
func (m *Monitor) RestoreBaselines(snaps map[types.MetricKind]types.BaselineSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := snaps[types.MetricErrorRate]; ok {
		m.errorRateBase.Restore(s)
	}
	if s, ok := snaps[types.MetricLatencyP95]; ok {
		m.latencyBase.Restore(s)
	}
	if s, ok := snaps[types.MetricQualityScore]; ok {
		m.qualityBase.Restore(s)
	}
	// Restored baselines become the comparison reference immediately.
	m.refBaselines = map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:    m.errorRateBase.Snapshot(),
		types.MetricLatencyP95:   m.latencyBase.Snapshot(),
		types.MetricQualityScore: m.qualityBase.Snapshot(),
	}
	logging.Monitor("baselines restored from persisted snapshots")
}

// TotalInvocations returns the lifetime invocation count.
func (m *Monitor) TotalInvocations() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalInvocations
}

// p95 computes the 95th percentile of a latency window. The input is copied
// so the caller's slice order is preserved.
func p95(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := (n*95 + 99) / 100 // ceil(n*0.95)
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
