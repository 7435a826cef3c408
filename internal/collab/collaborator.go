// Package collab implements the external collaborator: the language-model
// backend the loop consults for diagnosis, action selection, decision review,
// and learning synthesis. All parsing is defensive; the model's output is
// untrusted and the allowlist downstream is the real gate.
package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"selftune/internal/allowlist"
	"selftune/internal/logging"
	"selftune/internal/types"
)

// LessonProvider supplies lessons from previous cycles for prompt context.
// Implemented by the store.
type LessonProvider func(limit int) ([]string, error)

// Config tunes the collaborator.
type Config struct {
	// LessonLimit caps how many past lessons are fed into prompts.
	LessonLimit int
}

// DefaultConfig returns the default collaborator tuning.
func DefaultConfig() Config {
	return Config{LessonLimit: 10}
}

// Collaborator turns health reports into diagnoses and actions via an LLM.
type Collaborator struct {
	cfg     Config
	llm     LLMClient
	allow   *allowlist.Allowlist
	lessons LessonProvider
}

// New creates a collaborator. lessons may be nil.
func New(cfg Config, llm LLMClient, allow *allowlist.Allowlist, lessons LessonProvider) *Collaborator {
	if cfg.LessonLimit <= 0 {
		cfg.LessonLimit = DefaultConfig().LessonLimit
	}
	return &Collaborator{cfg: cfg, llm: llm, allow: allow, lessons: lessons}
}

func (c *Collaborator) recentLessons() []string {
	if c.lessons == nil {
		return nil
	}
	lessons, err := c.lessons(c.cfg.LessonLimit)
	if err != nil {
		logging.APIError("lesson lookup failed: %v", err)
		return nil
	}
	return lessons
}

// GenerateDiagnosis implements types.Collaborator.
func (c *Collaborator) GenerateDiagnosis(ctx context.Context, health *types.HealthReport) (*types.DiagnosisContent, error) {
	response, tokens, err := c.llm.Complete(ctx, diagnosisSystemPrompt,
		buildDiagnosisPrompt(health, c.recentLessons()))
	if err != nil {
		return nil, fmt.Errorf("diagnosis call: %w", err)
	}

	var parsed struct {
		Description    string `json:"description"`
		SuspectedCause string `json:"suspected_cause"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil {
		return nil, fmt.Errorf("diagnosis response not parseable: %w", err)
	}
	if parsed.Description == "" {
		return nil, fmt.Errorf("diagnosis response missing description")
	}

	return &types.DiagnosisContent{
		Description:    parsed.Description,
		SuspectedCause: parsed.SuspectedCause,
		TokensUsed:     tokens,
	}, nil
}

// SelectAction implements types.Collaborator.
func (c *Collaborator) SelectAction(ctx context.Context, health *types.HealthReport, diag *types.DiagnosisContent) (*types.ActionSelection, error) {
	response, tokens, err := c.llm.Complete(ctx, selectionSystemPrompt,
		buildSelectionPrompt(health, diag, c.allow, c.recentLessons()))
	if err != nil {
		return nil, fmt.Errorf("selection call: %w", err)
	}

	var parsed struct {
		Action    json.RawMessage `json:"action"`
		Rationale string          `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil {
		return nil, fmt.Errorf("selection response not parseable: %w", err)
	}
	if len(parsed.Action) == 0 {
		return nil, fmt.Errorf("selection response missing action")
	}

	action, err := types.UnmarshalAction(parsed.Action)
	if err != nil {
		return nil, fmt.Errorf("selection action invalid: %w", err)
	}

	// Early rejection for clearly out-of-bounds suggestions; the executor
	// re-validates regardless.
	if action.ActionKind() != types.ActionNoOp {
		if err := c.allow.Validate(action); err != nil {
			return nil, fmt.Errorf("selected action rejected: %w", err)
		}
	}

	return &types.ActionSelection{
		Action:     action,
		Rationale:  parsed.Rationale,
		TokensUsed: tokens,
	}, nil
}

// ValidateDecision implements types.Collaborator. The result is advisory; a
// parse failure approves by default so a flaky model cannot veto the loop.
func (c *Collaborator) ValidateDecision(ctx context.Context, action types.SuggestedAction, diag *types.SelfDiagnosis) (*types.ValidationResult, error) {
	response, _, err := c.llm.Complete(ctx, validationSystemPrompt,
		buildValidationPrompt(action, diag))
	if err != nil {
		return nil, fmt.Errorf("validation call: %w", err)
	}

	var parsed struct {
		Approved *bool  `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil || parsed.Approved == nil {
		logging.API("validation response unparseable, approving by default")
		return &types.ValidationResult{Approved: true, Reason: "review unavailable"}, nil
	}
	return &types.ValidationResult{Approved: *parsed.Approved, Reason: parsed.Reason}, nil
}

// SynthesizeLearning implements types.Collaborator.
func (c *Collaborator) SynthesizeLearning(ctx context.Context, outcome *types.LearningOutcome, diag *types.SelfDiagnosis) (*types.LearningSynthesis, error) {
	response, _, err := c.llm.Complete(ctx, synthesisSystemPrompt,
		buildSynthesisPrompt(outcome, diag))
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}

	var parsed types.LearningSynthesis
	if err := json.Unmarshal([]byte(extractJSON(response)), &parsed); err != nil {
		return nil, fmt.Errorf("synthesis response not parseable: %w", err)
	}
	return &parsed, nil
}
