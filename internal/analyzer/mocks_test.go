package analyzer

import (
	"context"
	"fmt"

	"selftune/internal/types"
)

// mockCollaborator is a scriptable Collaborator for tests.
type mockCollaborator struct {
	diagnosisErr  error
	selectErr     error
	action        types.SuggestedAction
	diagnoseCalls int
	selectCalls   int
}

func (m *mockCollaborator) GenerateDiagnosis(ctx context.Context, health *types.HealthReport) (*types.DiagnosisContent, error) {
	m.diagnoseCalls++
	if m.diagnosisErr != nil {
		return nil, m.diagnosisErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &types.DiagnosisContent{
		Description:    "error rate drifted above baseline",
		SuspectedCause: "upstream dependency flapping",
		TokensUsed:     120,
	}, nil
}

func (m *mockCollaborator) SelectAction(ctx context.Context, health *types.HealthReport, diag *types.DiagnosisContent) (*types.ActionSelection, error) {
	m.selectCalls++
	if m.selectErr != nil {
		return nil, m.selectErr
	}
	action := m.action
	if action == nil {
		action = types.AdjustParam{
			Key:      "max_retries",
			OldValue: types.IntValue(3),
			NewValue: types.IntValue(5),
		}
	}
	return &types.ActionSelection{
		Action:     action,
		Rationale:  "retry transient upstream failures",
		TokensUsed: 80,
	}, nil
}

func (m *mockCollaborator) ValidateDecision(ctx context.Context, action types.SuggestedAction, diag *types.SelfDiagnosis) (*types.ValidationResult, error) {
	return &types.ValidationResult{Approved: true}, nil
}

func (m *mockCollaborator) SynthesizeLearning(ctx context.Context, outcome *types.LearningOutcome, diag *types.SelfDiagnosis) (*types.LearningSynthesis, error) {
	return nil, fmt.Errorf("not used in analyzer tests")
}
