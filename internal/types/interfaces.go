package types

import (
	"context"
)

// DiagnosisContent is the collaborator's narrative analysis of a health
// report, before an action has been selected.
type DiagnosisContent struct {
	Description    string `json:"description"`
	SuspectedCause string `json:"suspected_cause"`
	TokensUsed     int    `json:"-"`
}

// ActionSelection pairs a suggested action with the collaborator's rationale.
type ActionSelection struct {
	Action     SuggestedAction
	Rationale  string
	TokensUsed int
}

// ValidationResult is the collaborator's advisory second opinion on a
// selected action.
type ValidationResult struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Collaborator defines the interface to the external text-generation backend
// used for diagnosis, action selection, decision validation, and lesson
// synthesis. Each call is a fallible, timeout-bounded remote operation; one
// production implementation lives in internal/collab, tests use a mock.
type Collaborator interface {
	GenerateDiagnosis(ctx context.Context, health *HealthReport) (*DiagnosisContent, error)
	SelectAction(ctx context.Context, health *HealthReport, diag *DiagnosisContent) (*ActionSelection, error)
	ValidateDecision(ctx context.Context, action SuggestedAction, diag *SelfDiagnosis) (*ValidationResult, error)
	SynthesizeLearning(ctx context.Context, outcome *LearningOutcome, diag *SelfDiagnosis) (*LearningSynthesis, error)
}
