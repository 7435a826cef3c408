package loop

import (
	"context"

	"selftune/internal/types"
)

// mockCollaborator scripts the four collaborator phases for controller tests.
type mockCollaborator struct {
	action          types.SuggestedAction
	diagnosisErr    error
	reviewApproved  bool
	reviewReason    string
	diagnoseCalls   int
	selectCalls     int
	validateCalls   int
	synthesizeCalls int
}

func newMockCollaborator() *mockCollaborator {
	return &mockCollaborator{reviewApproved: true}
}

func (m *mockCollaborator) GenerateDiagnosis(ctx context.Context, health *types.HealthReport) (*types.DiagnosisContent, error) {
	m.diagnoseCalls++
	if m.diagnosisErr != nil {
		return nil, m.diagnosisErr
	}
	return &types.DiagnosisContent{
		Description:    "error rate drifted above baseline",
		SuspectedCause: "upstream dependency flapping",
		TokensUsed:     120,
	}, nil
}

func (m *mockCollaborator) SelectAction(ctx context.Context, health *types.HealthReport, diag *types.DiagnosisContent) (*types.ActionSelection, error) {
	m.selectCalls++
	action := m.action
	if action == nil {
		action = types.AdjustParam{
			Key:      "max_retries",
			OldValue: types.IntValue(3),
			NewValue: types.IntValue(5),
		}
	}
	return &types.ActionSelection{Action: action, Rationale: "retry transient failures", TokensUsed: 80}, nil
}

func (m *mockCollaborator) ValidateDecision(ctx context.Context, action types.SuggestedAction, diag *types.SelfDiagnosis) (*types.ValidationResult, error) {
	m.validateCalls++
	return &types.ValidationResult{Approved: m.reviewApproved, Reason: m.reviewReason}, nil
}

func (m *mockCollaborator) SynthesizeLearning(ctx context.Context, outcome *types.LearningOutcome, diag *types.SelfDiagnosis) (*types.LearningSynthesis, error) {
	m.synthesizeCalls++
	return &types.LearningSynthesis{
		Lessons: []string{"raising retries absorbed the upstream flap"},
	}, nil
}
