package collab

import (
	"context"
	"errors"
	"strings"
	"testing"

	"selftune/internal/allowlist"
	"selftune/internal/types"
)

// fakeLLM returns scripted responses in order.
type fakeLLM struct {
	responses []string
	err       error
	calls     int
	lastUser  string
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, int, error) {
	f.calls++
	f.lastUser = user
	if f.err != nil {
		return "", 0, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, 100, nil
}

func testAllow() *allowlist.Allowlist {
	al := allowlist.New()
	al.RegisterParam("max_retries", allowlist.ParamBounds{Min: 1, Max: 10, Step: 1})
	al.RegisterResource("worker_pool", allowlist.ResourceBounds{Min: 1, Max: 64})
	return al
}

func sampleHealth() *types.HealthReport {
	return &types.HealthReport{
		Current: types.MetricsSnapshot{ErrorRate: 0.10, LatencyP95Ms: 200, QualityScore: -1, SampleCount: 50},
		Baselines: map[types.MetricKind]types.BaselineSnapshot{
			types.MetricErrorRate: {EMA: 0.04, RollingAvg: 0.05, SampleCount: 120},
		},
		Triggers: []types.TriggerMetric{
			types.ErrorRateTrigger{Observed: 0.10, Baseline: 0.04, Threshold: 0.05},
		},
	}
}

func TestGenerateDiagnosis_ParsesResponse(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"Here is my analysis:\n```json\n{\"description\": \"error rate drifted\", \"suspected_cause\": \"upstream flap\"}\n```",
	}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	content, err := c.GenerateDiagnosis(context.Background(), sampleHealth())
	if err != nil {
		t.Fatalf("GenerateDiagnosis: %v", err)
	}
	if content.Description != "error rate drifted" || content.SuspectedCause != "upstream flap" {
		t.Errorf("content = %+v", content)
	}
	if content.TokensUsed != 100 {
		t.Errorf("tokens = %d, want 100", content.TokensUsed)
	}
	if !strings.Contains(llm.lastUser, "TRIGGER") {
		t.Error("prompt must include the trigger line")
	}
}

func TestGenerateDiagnosis_GarbageRejected(t *testing.T) {
	llm := &fakeLLM{responses: []string{"I cannot help with that."}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	if _, err := c.GenerateDiagnosis(context.Background(), sampleHealth()); err == nil {
		t.Fatal("non-JSON response must be an error")
	}
}

func TestSelectAction_ParsesEnvelope(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"action": {"kind": "adjust_param", "payload": {"key": "max_retries", "old_value": {"kind": "integer", "integer": 3}, "new_value": {"kind": "integer", "integer": 5}}}, "rationale": "absorb transient failures"}`,
	}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	selection, err := c.SelectAction(context.Background(), sampleHealth(),
		&types.DiagnosisContent{Description: "drift"})
	if err != nil {
		t.Fatalf("SelectAction: %v", err)
	}
	action, ok := selection.Action.(types.AdjustParam)
	if !ok || action.Key != "max_retries" || action.NewValue.Integer != 5 {
		t.Errorf("action = %#v", selection.Action)
	}
	if selection.Rationale != "absorb transient failures" {
		t.Errorf("rationale = %q", selection.Rationale)
	}
	if !strings.Contains(llm.lastUser, "param max_retries: [1, 10]") {
		t.Errorf("prompt missing bounds:\n%s", llm.lastUser)
	}
}

func TestSelectAction_OutOfBoundsRejected(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"action": {"kind": "adjust_param", "payload": {"key": "max_retries", "new_value": {"kind": "integer", "integer": 99}}}, "rationale": "go big"}`,
	}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	if _, err := c.SelectAction(context.Background(), sampleHealth(), &types.DiagnosisContent{}); err == nil {
		t.Fatal("out-of-bounds action must be rejected at selection time")
	}
}

func TestSelectAction_NoOpAllowed(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"action": {"kind": "no_op", "payload": {"reason": "weak evidence", "revisit_after": 3600000000000}}, "rationale": "wait"}`,
	}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	selection, err := c.SelectAction(context.Background(), sampleHealth(), &types.DiagnosisContent{})
	if err != nil {
		t.Fatalf("SelectAction: %v", err)
	}
	if selection.Action.ActionKind() != types.ActionNoOp {
		t.Errorf("action = %#v, want no_op", selection.Action)
	}
}

func TestValidateDecision_ParsesVerdict(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"approved": false, "reason": "change too large"}`}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	diag := &types.SelfDiagnosis{
		Severity:    types.SeverityHigh,
		Description: "drift",
		Trigger:     types.ErrorRateTrigger{Observed: 0.1, Baseline: 0.04},
	}
	result, err := c.ValidateDecision(context.Background(),
		types.AdjustParam{Key: "max_retries", NewValue: types.IntValue(10)}, diag)
	if err != nil {
		t.Fatalf("ValidateDecision: %v", err)
	}
	if result.Approved || result.Reason != "change too large" {
		t.Errorf("result = %+v", result)
	}
}

func TestValidateDecision_UnparseableApprovesByDefault(t *testing.T) {
	llm := &fakeLLM{responses: []string{"sounds fine to me"}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	result, err := c.ValidateDecision(context.Background(),
		types.AdjustParam{Key: "max_retries"}, &types.SelfDiagnosis{})
	if err != nil {
		t.Fatalf("ValidateDecision: %v", err)
	}
	if !result.Approved {
		t.Error("unparseable review must approve by default")
	}
}

func TestSynthesizeLearning_ParsesLessons(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"lessons": ["retries absorb transient flaps"], "future_recommendations": ["prefer small retry bumps"]}`,
	}}
	c := New(DefaultConfig(), llm, testAllow(), nil)

	synthesis, err := c.SynthesizeLearning(context.Background(), &types.LearningOutcome{
		Reward: types.NormalizedReward{Value: 0.4, Confidence: 0.8},
	}, nil)
	if err != nil {
		t.Fatalf("SynthesizeLearning: %v", err)
	}
	if len(synthesis.Lessons) != 1 || len(synthesis.FutureRecommendations) != 1 {
		t.Errorf("synthesis = %+v", synthesis)
	}
}

func TestLessonsFeedPrompts(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"description": "drift", "suspected_cause": "x"}`,
	}}
	lessons := func(limit int) ([]string, error) {
		return []string{"raising retries worked last time"}, nil
	}
	c := New(DefaultConfig(), llm, testAllow(), lessons)

	if _, err := c.GenerateDiagnosis(context.Background(), sampleHealth()); err != nil {
		t.Fatalf("GenerateDiagnosis: %v", err)
	}
	if !strings.Contains(llm.lastUser, "raising retries worked last time") {
		t.Error("past lessons must be included in the prompt")
	}
}

func TestLessonProviderFailureIsNotFatal(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"description": "drift"}`}}
	lessons := func(limit int) ([]string, error) {
		return nil, errors.New("db locked")
	}
	c := New(DefaultConfig(), llm, testAllow(), lessons)

	if _, err := c.GenerateDiagnosis(context.Background(), sampleHealth()); err != nil {
		t.Fatalf("lesson failure must not fail the diagnosis: %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"prose before {\"a\": {\"b\": 2}} prose after", `{"a": {"b": 2}}`},
		{"```json\n[1, 2, 3]\n```", `[1, 2, 3]`},
		{`{"s": "brace } in string"}`, `{"s": "brace } in string"}`},
		{"no json here", ""},
		{`{"unterminated": `, ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.input); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
