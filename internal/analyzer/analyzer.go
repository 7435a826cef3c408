// Package analyzer turns an unhealthy report into a SelfDiagnosis by asking
// the external collaborator for a diagnosis and a bounded corrective action.
// It is gated by the safety breaker, a minimum severity, and a cap on
// diagnoses already awaiting approval.
package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"selftune/internal/breaker"
	"selftune/internal/logging"
	"selftune/internal/types"
)

// BlockReason says why analysis did not proceed.
type BlockReason string

const (
	BlockCircuitOpen       BlockReason = "circuit_open"
	BlockNoTriggers        BlockReason = "no_triggers"
	BlockSeverityTooLow    BlockReason = "severity_too_low"
	BlockMaxPendingReached BlockReason = "max_pending_reached"
)

// BlockedError is returned when analysis is gated off, as opposed to failing.
type BlockedError struct {
	Reason BlockReason
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("analysis blocked: %s", e.Reason)
	}
	return fmt.Sprintf("analysis blocked: %s (%s)", e.Reason, e.Detail)
}

// Config tunes the analyzer gates.
type Config struct {
	// MinSeverity is the lowest trigger severity worth diagnosing.
	MinSeverity types.Severity
	// MaxPending caps diagnoses awaiting approval before new analysis stops.
	MaxPending int
	// CallTimeout bounds each collaborator call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default analyzer tuning.
func DefaultConfig() Config {
	return Config{
		MinSeverity: types.SeverityWarning,
		MaxPending:  5,
		CallTimeout: 60 * time.Second,
	}
}

// Stats captures per-analysis observability numbers.
type Stats struct {
	AnalysisTimeMs int64 `json:"analysis_time_ms"`
	TokensUsed     int   `json:"tokens_used"`
}

// Result is a successful analysis: a pending diagnosis plus stats.
type Result struct {
	Diagnosis *types.SelfDiagnosis
	Stats     Stats
}

// PendingCounter reports how many diagnoses currently await approval.
// Implemented by the store.
type PendingCounter func() (int, error)

// Analyzer produces diagnoses for unhealthy reports.
type Analyzer struct {
	cfg     Config
	brk     *breaker.Breaker
	collab  types.Collaborator
	pending PendingCounter
}

// New creates an analyzer. pending may be nil, in which case the pending cap
// is not enforced.
func New(cfg Config, brk *breaker.Breaker, collab types.Collaborator, pending PendingCounter) *Analyzer {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Analyzer{cfg: cfg, brk: brk, collab: collab, pending: pending}
}

// Analyze gates on breaker/triggers/severity/pending and, when allowed,
// invokes the collaborator to produce a pending SelfDiagnosis.
//
// The breaker lock is never held across the collaborator calls; the gate is a
// point-in-time check and an Open flip mid-call only prevents future phases.
func (a *Analyzer) Analyze(ctx context.Context, health *types.HealthReport) (*Result, error) {
	if !a.brk.CanExecute() {
		return nil, &BlockedError{Reason: BlockCircuitOpen}
	}
	if health == nil || len(health.Triggers) == 0 {
		return nil, &BlockedError{Reason: BlockNoTriggers}
	}

	severity := health.HighestSeverity()
	if severity < a.cfg.MinSeverity {
		return nil, &BlockedError{
			Reason: BlockSeverityTooLow,
			Detail: fmt.Sprintf("highest severity %s below minimum %s", severity, a.cfg.MinSeverity),
		}
	}

	if a.pending != nil {
		n, err := a.pending()
		if err != nil {
			return nil, fmt.Errorf("pending count: %w", err)
		}
		if n >= a.cfg.MaxPending {
			return nil, &BlockedError{
				Reason: BlockMaxPendingReached,
				Detail: fmt.Sprintf("%d diagnoses pending (max %d)", n, a.cfg.MaxPending),
			}
		}
	}

	start := time.Now()
	logging.Analyzer("analyzing %d trigger(s), highest severity %s", len(health.Triggers), severity)

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	content, err := a.collab.GenerateDiagnosis(callCtx, health)
	if err != nil {
		return nil, fmt.Errorf("generate diagnosis: %w", err)
	}

	selection, err := a.collab.SelectAction(callCtx, health, content)
	if err != nil {
		return nil, fmt.Errorf("select action: %w", err)
	}

	diag := &types.SelfDiagnosis{
		ID:              uuid.New().String(),
		CreatedAt:       time.Now(),
		Trigger:         health.WorstTrigger(),
		Severity:        severity,
		Description:     content.Description,
		SuspectedCause:  content.SuspectedCause,
		SuggestedAction: selection.Action,
		ActionRationale: selection.Rationale,
		Status:          types.StatusPending,
	}

	stats := Stats{
		AnalysisTimeMs: time.Since(start).Milliseconds(),
		TokensUsed:     content.TokensUsed + selection.TokensUsed,
	}
	logging.Analyzer("diagnosis %s: %s -> %s (%dms, %d tokens)",
		diag.ID, diag.Severity, diag.SuggestedAction.Describe(), stats.AnalysisTimeMs, stats.TokensUsed)

	return &Result{Diagnosis: diag, Stats: stats}, nil
}
