// Package learner closes the loop: once an executed action has had time to
// take effect, it compares post-action metrics against the pre-action
// snapshot, computes a normalized reward, and asks the collaborator to
// synthesize lessons for future cycles.
package learner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"selftune/internal/logging"
	"selftune/internal/types"
)

// BlockReason says why learning did not proceed yet.
type BlockReason string

const (
	BlockExecutionNotCompleted BlockReason = "execution_not_completed"
	BlockInsufficientSamples   BlockReason = "insufficient_samples"
)

// BlockedError means learning must wait, as opposed to having failed.
type BlockedError struct {
	Reason BlockReason
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("learning blocked: %s", e.Reason)
	}
	return fmt.Sprintf("learning blocked: %s (%s)", e.Reason, e.Detail)
}

// Config tunes the learner.
type Config struct {
	// MinPostSamples is how many invocations must accumulate after an
	// action before its effect is measurable.
	MinPostSamples uint64
	// ConfidenceSamples is the post-sample count at which reward
	// confidence saturates at 1.
	ConfidenceSamples uint64
	// Weights splits the reward across metrics.
	Weights Weights
	// TriggerBoost multiplies the weight of the metric that triggered the
	// diagnosis before renormalization.
	TriggerBoost float64
	// CallTimeout bounds the synthesis call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default learner tuning.
func DefaultConfig() Config {
	return Config{
		MinPostSamples:    20,
		ConfidenceSamples: 50,
		Weights:           DefaultWeights(),
		TriggerBoost:      1.5,
		CallTimeout:       60 * time.Second,
	}
}

// Learner turns completed executions into learning outcomes.
type Learner struct {
	cfg    Config
	collab types.Collaborator
}

// New creates a learner. collab may be nil, in which case outcomes carry an
// empty synthesis.
func New(cfg Config, collab types.Collaborator) *Learner {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.TriggerBoost <= 0 {
		cfg.TriggerBoost = DefaultConfig().TriggerBoost
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Learner{cfg: cfg, collab: collab}
}

// Learn computes the reward for a completed execution and synthesizes its
// lessons. postMetrics is the most recent metrics window; observed counts
// every invocation since the action was applied, across windows, and gates
// the minimum-sample check so learning cannot starve when windows are
// smaller than the gate.
//
// A synthesis failure does not discard the outcome: the reward is the record
// of truth, the narrative is best-effort.
func (l *Learner) Learn(ctx context.Context, diag *types.SelfDiagnosis, exec *types.ExecutionResult, postMetrics types.MetricsSnapshot, observed uint64) (*types.LearningOutcome, error) {
	if exec == nil || !exec.Outcome.Completed() {
		return nil, &BlockedError{Reason: BlockExecutionNotCompleted}
	}
	if observed < l.cfg.MinPostSamples {
		return nil, &BlockedError{
			Reason: BlockInsufficientSamples,
			Detail: fmt.Sprintf("%d post-action samples, need %d", observed, l.cfg.MinPostSamples),
		}
	}

	var triggered types.MetricKind
	if diag != nil && diag.Trigger != nil {
		triggered = diag.Trigger.Metric()
	}

	reward := computeReward(rewardInput{
		pre:               exec.PreMetrics,
		post:              postMetrics,
		postSamples:       observed,
		triggeredMetric:   triggered,
		weights:           l.cfg.Weights,
		triggerBoost:      l.cfg.TriggerBoost,
		confidenceSamples: l.cfg.ConfidenceSamples,
	})

	outcome := &types.LearningOutcome{
		ID:          uuid.New().String(),
		ActionID:    exec.ActionID,
		DiagnosisID: exec.DiagnosisID,
		Reward:      reward,
		PostMetrics: postMetrics,
		CreatedAt:   time.Now(),
	}

	logging.Learner("action %s scored %.3f (confidence %.2f)", exec.ActionID, reward.Value, reward.Confidence)

	if l.collab != nil {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
		synthesis, err := l.collab.SynthesizeLearning(callCtx, outcome, diag)
		if err != nil {
			logging.LearnerError("synthesis for action %s failed: %v", exec.ActionID, err)
		} else if synthesis != nil {
			outcome.Synthesis = *synthesis
		}
	}

	return outcome, nil
}
