package types

import (
	"fmt"
	"time"
)

// =============================================================================
// PARAM VALUES
// =============================================================================

// ParamKind discriminates the ParamValue union.
type ParamKind string

const (
	ParamInteger    ParamKind = "integer"
	ParamFloat      ParamKind = "float"
	ParamString     ParamKind = "string"
	ParamDurationMs ParamKind = "duration_ms"
	ParamBoolean    ParamKind = "boolean"
)

// ParamValue is a tagged union over the value types a runtime parameter can
// hold. Only the field matching Kind is meaningful.
type ParamValue struct {
	Kind       ParamKind `json:"kind"`
	Integer    int64     `json:"integer,omitempty"`
	Float      float64   `json:"float,omitempty"`
	String_    string    `json:"string,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Boolean    bool      `json:"boolean,omitempty"`
}

// IntValue constructs an integer ParamValue.
func IntValue(v int64) ParamValue { return ParamValue{Kind: ParamInteger, Integer: v} }

// FloatValue constructs a float ParamValue.
func FloatValue(v float64) ParamValue { return ParamValue{Kind: ParamFloat, Float: v} }

// StringValue constructs a string ParamValue.
func StringValue(v string) ParamValue { return ParamValue{Kind: ParamString, String_: v} }

// DurationValue constructs a duration ParamValue from milliseconds.
func DurationValue(ms int64) ParamValue { return ParamValue{Kind: ParamDurationMs, DurationMs: ms} }

// BoolValue constructs a boolean ParamValue.
func BoolValue(v bool) ParamValue { return ParamValue{Kind: ParamBoolean, Boolean: v} }

// AsFloat returns the numeric interpretation of the value for bounds checks.
// Non-numeric kinds report ok=false.
func (p ParamValue) AsFloat() (float64, bool) {
	switch p.Kind {
	case ParamInteger:
		return float64(p.Integer), true
	case ParamFloat:
		return p.Float, true
	case ParamDurationMs:
		return float64(p.DurationMs), true
	default:
		return 0, false
	}
}

// Equal reports whether two param values are identical.
func (p ParamValue) Equal(other ParamValue) bool {
	return p == other
}

func (p ParamValue) String() string {
	switch p.Kind {
	case ParamInteger:
		return fmt.Sprintf("%d", p.Integer)
	case ParamFloat:
		return fmt.Sprintf("%g", p.Float)
	case ParamString:
		return p.String_
	case ParamDurationMs:
		return fmt.Sprintf("%dms", p.DurationMs)
	case ParamBoolean:
		return fmt.Sprintf("%t", p.Boolean)
	default:
		return fmt.Sprintf("invalid(%s)", string(p.Kind))
	}
}

// =============================================================================
// SUGGESTED ACTIONS
// =============================================================================

// ActionKind discriminates the SuggestedAction union.
type ActionKind string

const (
	ActionAdjustParam   ActionKind = "adjust_param"
	ActionScaleResource ActionKind = "scale_resource"
	ActionNoOp          ActionKind = "no_op"
)

// SuggestedAction is the bounded corrective action proposed by a diagnosis.
type SuggestedAction interface {
	ActionKind() ActionKind
	Describe() string
}

// AdjustParam changes one runtime configuration parameter.
type AdjustParam struct {
	Key      string     `json:"key"`
	OldValue ParamValue `json:"old_value"`
	NewValue ParamValue `json:"new_value"`
	Scope    string     `json:"scope,omitempty"`
}

func (a AdjustParam) ActionKind() ActionKind { return ActionAdjustParam }

func (a AdjustParam) Describe() string {
	return fmt.Sprintf("adjust %s: %s -> %s", a.Key, a.OldValue, a.NewValue)
}

// ScaleResource changes the allocation of a countable resource.
type ScaleResource struct {
	Resource string `json:"resource"`
	OldValue uint32 `json:"old_value"`
	NewValue uint32 `json:"new_value"`
}

func (a ScaleResource) ActionKind() ActionKind { return ActionScaleResource }

func (a ScaleResource) Describe() string {
	return fmt.Sprintf("scale %s: %d -> %d", a.Resource, a.OldValue, a.NewValue)
}

// NoOp records a deliberate decision not to act.
type NoOp struct {
	Reason       string        `json:"reason"`
	RevisitAfter time.Duration `json:"revisit_after"`
}

func (a NoOp) ActionKind() ActionKind { return ActionNoOp }

func (a NoOp) Describe() string {
	return fmt.Sprintf("no-op: %s (revisit after %v)", a.Reason, a.RevisitAfter)
}

// =============================================================================
// DIAGNOSES
// =============================================================================

// DiagnosisStatus is the lifecycle state of a SelfDiagnosis.
type DiagnosisStatus string

const (
	StatusPending    DiagnosisStatus = "pending"
	StatusApproved   DiagnosisStatus = "approved"
	StatusRejected   DiagnosisStatus = "rejected"
	StatusExecuted   DiagnosisStatus = "executed"
	StatusFailed     DiagnosisStatus = "failed"
	StatusRolledBack DiagnosisStatus = "rolled_back"
)

// Terminal reports whether the status admits no further transitions.
func (s DiagnosisStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// SelfDiagnosis is the analyzer's conclusion about a detected drift, together
// with the corrective action it proposes.
type SelfDiagnosis struct {
	ID              string          `json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	Trigger         TriggerMetric   `json:"-"`
	Severity        Severity        `json:"-"`
	Description     string          `json:"description"`
	SuspectedCause  string          `json:"suspected_cause,omitempty"`
	SuggestedAction SuggestedAction `json:"-"`
	ActionRationale string          `json:"action_rationale,omitempty"`
	Status          DiagnosisStatus `json:"status"`
	// StatusReason records why a reviewer or operator moved the diagnosis to
	// its current status. Empty for automatic transitions.
	StatusReason string `json:"status_reason,omitempty"`
}

// =============================================================================
// EXECUTION RESULTS
// =============================================================================

// ActionOutcome is the lifecycle state of an executed action.
type ActionOutcome string

const (
	OutcomePending    ActionOutcome = "pending"
	OutcomeSuccess    ActionOutcome = "success"
	OutcomeFailed     ActionOutcome = "failed"
	OutcomeRolledBack ActionOutcome = "rolled_back"
)

// Completed reports whether the outcome is final enough to learn from.
func (o ActionOutcome) Completed() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeRolledBack:
		return true
	}
	return false
}

// ExecutionResult records what the executor did for one diagnosis.
type ExecutionResult struct {
	ActionID        string          `json:"action_id"`
	DiagnosisID     string          `json:"diagnosis_id"`
	Outcome         ActionOutcome   `json:"outcome"`
	PreMetrics      MetricsSnapshot `json:"pre_metrics"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// =============================================================================
// LEARNING
// =============================================================================

// RewardBreakdown itemizes the per-metric components of a reward.
type RewardBreakdown struct {
	ErrorRateComponent float64 `json:"error_rate_component"`
	LatencyComponent   float64 `json:"latency_component"`
	QualityComponent   float64 `json:"quality_component"`
}

// NormalizedReward scores an executed action in [-1, 1]; positive means the
// action improved system health.
type NormalizedReward struct {
	Value      float64         `json:"value"`
	Breakdown  RewardBreakdown `json:"breakdown"`
	Confidence float64         `json:"confidence"`
}

// LearningSynthesis is the collaborator-produced narrative of what an action
// taught the system.
type LearningSynthesis struct {
	Lessons               []string `json:"lessons"`
	FutureRecommendations []string `json:"future_recommendations"`
}

// LearningOutcome is the final product of one completed loop cycle.
type LearningOutcome struct {
	ID          string            `json:"id"`
	ActionID    string            `json:"action_id"`
	DiagnosisID string            `json:"diagnosis_id"`
	Reward      NormalizedReward  `json:"reward"`
	PostMetrics MetricsSnapshot   `json:"post_metrics"`
	Synthesis   LearningSynthesis `json:"synthesis"`
	CreatedAt   time.Time         `json:"created_at"`
}
