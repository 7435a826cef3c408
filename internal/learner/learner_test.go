package learner

import (
	"context"
	"errors"
	"math"
	"testing"

	"selftune/internal/types"
)

func snapshot(errRate, p95, quality float64, samples uint64) types.MetricsSnapshot {
	return types.MetricsSnapshot{
		ErrorRate:    errRate,
		LatencyP95Ms: p95,
		QualityScore: quality,
		SampleCount:  samples,
	}
}

func successfulExec(pre types.MetricsSnapshot) *types.ExecutionResult {
	return &types.ExecutionResult{
		ActionID:    "act-1",
		DiagnosisID: "diag-1",
		Outcome:     types.OutcomeSuccess,
		PreMetrics:  pre,
	}
}

func errorRateDiag() *types.SelfDiagnosis {
	return &types.SelfDiagnosis{
		ID:      "diag-1",
		Trigger: types.ErrorRateTrigger{Observed: 0.10, Baseline: 0.04},
		Status:  types.StatusExecuted,
	}
}

func TestLearn_BlockedUntilExecutionCompleted(t *testing.T) {
	l := New(DefaultConfig(), &mockCollaborator{})

	exec := successfulExec(snapshot(0.1, 200, 0.8, 40))
	exec.Outcome = types.OutcomePending
	_, err := l.Learn(context.Background(), errorRateDiag(), exec, snapshot(0.05, 150, 0.9, 60), 60)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockExecutionNotCompleted {
		t.Fatalf("err = %v, want BlockedError{execution_not_completed}", err)
	}
}

func TestLearn_BlockedOnInsufficientSamples(t *testing.T) {
	l := New(Config{MinPostSamples: 20}, &mockCollaborator{})

	post := snapshot(0.05, 150, 0.9, 10)
	_, err := l.Learn(context.Background(), errorRateDiag(), successfulExec(snapshot(0.1, 200, 0.8, 40)), post, 10)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockInsufficientSamples {
		t.Fatalf("err = %v, want BlockedError{insufficient_samples}", err)
	}
}

func TestLearn_GatesOnCumulativeSamplesNotWindowSize(t *testing.T) {
	l := New(Config{MinPostSamples: 50, ConfidenceSamples: 50}, nil)
	pre := snapshot(0.10, 200, -1, 40)
	post := snapshot(0.05, 150, -1, 20)

	// A 20-sample window with only 30 cumulative post-action samples waits.
	_, err := l.Learn(context.Background(), errorRateDiag(), successfulExec(pre), post, 30)
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockInsufficientSamples {
		t.Fatalf("err = %v, want BlockedError{insufficient_samples}", err)
	}

	// The same window learns once enough samples accumulated across checks.
	outcome, err := l.Learn(context.Background(), errorRateDiag(), successfulExec(pre), post, 60)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if outcome.Reward.Confidence != 1 {
		t.Errorf("confidence = %.3f, want saturation from cumulative samples", outcome.Reward.Confidence)
	}
}

func TestLearn_ImprovementYieldsPositiveReward(t *testing.T) {
	mock := &mockCollaborator{}
	l := New(DefaultConfig(), mock)

	pre := snapshot(0.10, 200, 0.8, 40)
	post := snapshot(0.04, 150, 0.9, 60)
	outcome, err := l.Learn(context.Background(), errorRateDiag(), successfulExec(pre), post, 60)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}

	if outcome.Reward.Value <= 0 {
		t.Errorf("reward = %.3f, want positive for an across-the-board improvement", outcome.Reward.Value)
	}
	if outcome.Reward.Breakdown.ErrorRateComponent <= 0 {
		t.Errorf("error-rate component = %.3f, want positive", outcome.Reward.Breakdown.ErrorRateComponent)
	}
	if outcome.ActionID != "act-1" || outcome.DiagnosisID != "diag-1" {
		t.Errorf("outcome identifiers wrong: %+v", outcome)
	}
	if len(outcome.Synthesis.Lessons) == 0 {
		t.Error("synthesis lessons missing")
	}
	if mock.synthesizeCalls != 1 {
		t.Errorf("synthesize calls = %d, want 1", mock.synthesizeCalls)
	}
}

func TestLearn_RegressionYieldsNegativeReward(t *testing.T) {
	l := New(DefaultConfig(), &mockCollaborator{})

	pre := snapshot(0.04, 150, 0.9, 40)
	post := snapshot(0.10, 250, 0.7, 60)
	outcome, err := l.Learn(context.Background(), errorRateDiag(), successfulExec(pre), post, 60)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if outcome.Reward.Value >= 0 {
		t.Errorf("reward = %.3f, want negative for a regression", outcome.Reward.Value)
	}
}

func TestLearn_SynthesisFailureKeepsReward(t *testing.T) {
	mock := &mockCollaborator{synthesisErr: errors.New("backend down")}
	l := New(DefaultConfig(), mock)

	outcome, err := l.Learn(context.Background(), errorRateDiag(),
		successfulExec(snapshot(0.10, 200, 0.8, 40)), snapshot(0.04, 150, 0.9, 60), 60)
	if err != nil {
		t.Fatalf("Learn must not fail on a synthesis error: %v", err)
	}
	if len(outcome.Synthesis.Lessons) != 0 {
		t.Error("failed synthesis should leave lessons empty")
	}
	if outcome.Reward.Value <= 0 {
		t.Error("reward must survive the synthesis failure")
	}
}

func TestLearn_ConfidenceScalesWithSamples(t *testing.T) {
	l := New(Config{MinPostSamples: 10, ConfidenceSamples: 50}, nil)

	outcome, err := l.Learn(context.Background(), errorRateDiag(),
		successfulExec(snapshot(0.10, 200, -1, 40)), snapshot(0.05, 150, -1, 25), 25)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if got := outcome.Reward.Confidence; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("confidence = %.3f, want 0.5 at 25/50 samples", got)
	}

	outcome, err = l.Learn(context.Background(), errorRateDiag(),
		successfulExec(snapshot(0.10, 200, -1, 40)), snapshot(0.05, 150, -1, 500), 500)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if outcome.Reward.Confidence != 1 {
		t.Errorf("confidence = %.3f, want saturation at 1", outcome.Reward.Confidence)
	}
}

func TestComputeReward_Deterministic(t *testing.T) {
	in := rewardInput{
		pre:               snapshot(0.10, 200, 0.8, 40),
		post:              snapshot(0.05, 180, 0.85, 60),
		postSamples:       60,
		triggeredMetric:   types.MetricErrorRate,
		weights:           DefaultWeights(),
		triggerBoost:      1.5,
		confidenceSamples: 50,
	}
	first := computeReward(in)
	for i := 0; i < 10; i++ {
		if got := computeReward(in); got != first {
			t.Fatalf("reward not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestComputeReward_BoundedInUnitInterval(t *testing.T) {
	cases := []struct {
		name      string
		pre, post types.MetricsSnapshot
	}{
		{"massive regression", snapshot(0.01, 10, 0.99, 40), snapshot(1.0, 10000, 0.01, 60)},
		{"massive improvement", snapshot(1.0, 10000, 0.01, 40), snapshot(0.0, 1, 0.99, 60)},
		{"zero pre metrics", snapshot(0, 0, 0, 40), snapshot(0.5, 100, 0.5, 60)},
		{"flat", snapshot(0.05, 100, 0.8, 40), snapshot(0.05, 100, 0.8, 60)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := computeReward(rewardInput{
				pre: tc.pre, post: tc.post,
				weights: DefaultWeights(), triggerBoost: 1.5, confidenceSamples: 50,
			})
			if r.Value < -1 || r.Value > 1 {
				t.Errorf("reward %.3f outside [-1,1]", r.Value)
			}
			for _, c := range []float64{r.Breakdown.ErrorRateComponent, r.Breakdown.LatencyComponent, r.Breakdown.QualityComponent} {
				if c < -1 || c > 1 {
					t.Errorf("component %.3f outside [-1,1]", c)
				}
			}
		})
	}
}

func TestComputeReward_TriggerBoostShiftsWeight(t *testing.T) {
	// Error rate improved, latency regressed equally. Boosting the
	// error-rate weight must pull the blended reward upward.
	pre := snapshot(0.10, 100, -1, 40)
	post := snapshot(0.05, 150, -1, 60)

	unboosted := computeReward(rewardInput{
		pre: pre, post: post,
		weights: Weights{ErrorRate: 0.5, Latency: 0.5}, triggerBoost: 1, confidenceSamples: 50,
	})
	boosted := computeReward(rewardInput{
		pre: pre, post: post,
		triggeredMetric: types.MetricErrorRate,
		weights:         Weights{ErrorRate: 0.5, Latency: 0.5}, triggerBoost: 1.5, confidenceSamples: 50,
	})
	if boosted.Value <= unboosted.Value {
		t.Errorf("boosted %.3f should exceed unboosted %.3f", boosted.Value, unboosted.Value)
	}
}

func TestComputeReward_MissingQualityExcluded(t *testing.T) {
	// -1 quality means no signal: the quality weight must drop out rather
	// than drag the reward toward zero.
	pre := snapshot(0.10, 200, -1, 40)
	post := snapshot(0.05, 100, -1, 60)
	r := computeReward(rewardInput{
		pre: pre, post: post,
		weights: DefaultWeights(), triggerBoost: 1, confidenceSamples: 50,
	})
	if r.Breakdown.QualityComponent != 0 {
		t.Errorf("quality component = %.3f, want 0 with no signal", r.Breakdown.QualityComponent)
	}
	// Both participating metrics improved 50%, so the blend is exactly 0.5.
	if math.Abs(r.Value-0.5) > 1e-9 {
		t.Errorf("reward = %.3f, want 0.5", r.Value)
	}
}
