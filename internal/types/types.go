// Package types defines the shared data model for the selftune control loop:
// invocation events, drift triggers, diagnoses, corrective actions, and
// learning outcomes. Everything that crosses a component boundary or is
// persisted lives here so the leaf packages stay dependency-free.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// INVOCATION EVENTS AND METRIC SNAPSHOTS
// =============================================================================

// InvocationEvent is emitted by the host once per completed tool request.
type InvocationEvent struct {
	ToolName     string    `json:"tool_name"`
	LatencyMs    float64   `json:"latency_ms"`
	Success      bool      `json:"success"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// MetricsSnapshot is a point-in-time aggregate of the monitored metrics.
// QualityScore is -1 when no quality signal was observed in the window.
type MetricsSnapshot struct {
	ErrorRate    float64   `json:"error_rate"`
	LatencyP95Ms float64   `json:"latency_p95_ms"`
	QualityScore float64   `json:"quality_score"`
	SampleCount  uint64    `json:"sample_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// HasQuality reports whether the snapshot carries a quality signal.
func (m MetricsSnapshot) HasQuality() bool {
	return m.QualityScore >= 0
}

// BaselineSnapshot is a read-only view of a learned metric baseline.
type BaselineSnapshot struct {
	EMA         float64 `json:"ema"`
	RollingAvg  float64 `json:"rolling_avg"`
	SampleCount uint64  `json:"sample_count"`
}

// =============================================================================
// TRIGGER METRICS
// =============================================================================

// MetricKind identifies one of the monitored metrics.
type MetricKind string

const (
	MetricErrorRate    MetricKind = "error_rate"
	MetricLatencyP95   MetricKind = "latency_p95"
	MetricQualityScore MetricKind = "quality_score"
)

// TriggerMetric is a metric whose deviation from baseline exceeded its
// threshold. Implementations are the three variants below.
type TriggerMetric interface {
	Metric() MetricKind
	// DeviationPct is the relative deviation from baseline in percent.
	// Positive values always mean "worse than baseline".
	DeviationPct() float64
	Describe() string
}

// ErrorRateTrigger fires when the observed error rate drifts above baseline.
type ErrorRateTrigger struct {
	Observed  float64 `json:"observed"`
	Baseline  float64 `json:"baseline"`
	Threshold float64 `json:"threshold"`
}

func (t ErrorRateTrigger) Metric() MetricKind { return MetricErrorRate }

func (t ErrorRateTrigger) DeviationPct() float64 {
	return higherIsWorseDeviation(t.Observed, t.Baseline)
}

func (t ErrorRateTrigger) Describe() string {
	return fmt.Sprintf("error rate %.4f vs baseline %.4f (+%.1f%%)",
		t.Observed, t.Baseline, t.DeviationPct())
}

// LatencyTrigger fires when observed p95 latency drifts above baseline.
type LatencyTrigger struct {
	ObservedP95 float64 `json:"observed_p95"`
	Baseline    float64 `json:"baseline"`
	Threshold   float64 `json:"threshold"`
}

func (t LatencyTrigger) Metric() MetricKind { return MetricLatencyP95 }

func (t LatencyTrigger) DeviationPct() float64 {
	return higherIsWorseDeviation(t.ObservedP95, t.Baseline)
}

func (t LatencyTrigger) Describe() string {
	return fmt.Sprintf("p95 latency %.1fms vs baseline %.1fms (+%.1f%%)",
		t.ObservedP95, t.Baseline, t.DeviationPct())
}

// QualityTrigger fires when the observed quality score drops below baseline.
// Lower is worse, so the deviation sign is inverted relative to the others.
type QualityTrigger struct {
	Observed float64 `json:"observed"`
	Baseline float64 `json:"baseline"`
	Minimum  float64 `json:"minimum"`
}

func (t QualityTrigger) Metric() MetricKind { return MetricQualityScore }

func (t QualityTrigger) DeviationPct() float64 {
	if t.Baseline == 0 {
		// A quality score cannot drop below zero, so a zero baseline can
		// never regress.
		return 0
	}
	return (t.Baseline - t.Observed) / t.Baseline * 100
}

func (t QualityTrigger) Describe() string {
	return fmt.Sprintf("quality %.3f vs baseline %.3f (-%.1f%%)",
		t.Observed, t.Baseline, t.DeviationPct())
}

// higherIsWorseDeviation computes (observed-baseline)/baseline*100 with the
// zero-baseline convention: any nonzero observation against a zero baseline
// is a 100% regression.
func higherIsWorseDeviation(observed, baseline float64) float64 {
	if baseline == 0 {
		if observed > 0 {
			return 100
		}
		return 0
	}
	return (observed - baseline) / baseline * 100
}

// =============================================================================
// SEVERITY
// =============================================================================

// Severity is the ordered severity scale for a detected drift.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

// SeverityFromDeviation derives severity purely from the deviation percent.
func SeverityFromDeviation(deviationPct float64) Severity {
	switch {
	case deviationPct >= 100:
		return SeverityCritical
	case deviationPct >= 50:
		return SeverityHigh
	case deviationPct >= 25:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseSeverity converts a stored severity string back to its enum value.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// =============================================================================
// HEALTH REPORT
// =============================================================================

// HealthReport is the ephemeral result of a health check. It is recomputed
// and discarded on every check; nothing holds a reference across cycles.
type HealthReport struct {
	Current     MetricsSnapshot                 `json:"current_metrics"`
	Baselines   map[MetricKind]BaselineSnapshot `json:"baselines"`
	Triggers    []TriggerMetric                 `json:"-"`
	IsHealthy   bool                            `json:"is_healthy"`
	GeneratedAt time.Time                       `json:"generated_at"`
}

// HighestSeverity returns the severity of the worst trigger, or SeverityInfo
// when there are no triggers.
func (h *HealthReport) HighestSeverity() Severity {
	max := SeverityInfo
	for _, t := range h.Triggers {
		if s := SeverityFromDeviation(t.DeviationPct()); s > max {
			max = s
		}
	}
	return max
}

// WorstTrigger returns the trigger with the largest deviation, or nil.
func (h *HealthReport) WorstTrigger() TriggerMetric {
	var worst TriggerMetric
	for _, t := range h.Triggers {
		if worst == nil || t.DeviationPct() > worst.DeviationPct() {
			worst = t
		}
	}
	return worst
}
