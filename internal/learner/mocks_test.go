package learner

import (
	"context"
	"fmt"

	"selftune/internal/types"
)

// mockCollaborator only implements the synthesis path; the other methods are
// not reached from the learner.
type mockCollaborator struct {
	synthesis       *types.LearningSynthesis
	synthesisErr    error
	synthesizeCalls int
	lastOutcome     *types.LearningOutcome
}

func (m *mockCollaborator) GenerateDiagnosis(ctx context.Context, health *types.HealthReport) (*types.DiagnosisContent, error) {
	return nil, fmt.Errorf("not used in learner tests")
}

func (m *mockCollaborator) SelectAction(ctx context.Context, health *types.HealthReport, diag *types.DiagnosisContent) (*types.ActionSelection, error) {
	return nil, fmt.Errorf("not used in learner tests")
}

func (m *mockCollaborator) ValidateDecision(ctx context.Context, action types.SuggestedAction, diag *types.SelfDiagnosis) (*types.ValidationResult, error) {
	return &types.ValidationResult{Approved: true}, nil
}

func (m *mockCollaborator) SynthesizeLearning(ctx context.Context, outcome *types.LearningOutcome, diag *types.SelfDiagnosis) (*types.LearningSynthesis, error) {
	m.synthesizeCalls++
	m.lastOutcome = outcome
	if m.synthesisErr != nil {
		return nil, m.synthesisErr
	}
	if m.synthesis != nil {
		return m.synthesis, nil
	}
	return &types.LearningSynthesis{
		Lessons:               []string{"raising retries absorbed the upstream flap"},
		FutureRecommendations: []string{"prefer retry tuning for transient error-rate drift"},
	}, nil
}
