// Package executor applies allowlist-validated corrective actions to the
// shared runtime configuration, under the safety breaker, a cooldown, and a
// rate limit. It records pre-execution metrics for the learner and supports
// rollback of a previously successful action.
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"selftune/internal/allowlist"
	"selftune/internal/breaker"
	"selftune/internal/logging"
	"selftune/internal/types"
)

// BlockReason says why execution did not proceed.
type BlockReason string

const (
	BlockCircuitOpen       BlockReason = "circuit_open"
	BlockCooldownActive    BlockReason = "cooldown_active"
	BlockRateLimitExceeded BlockReason = "rate_limit_exceeded"
	BlockNotAllowed        BlockReason = "not_allowed"
	BlockNoOpAction        BlockReason = "no_op_action"
)

// BlockedError is returned when execution is gated off.
type BlockedError struct {
	Reason BlockReason
	Detail string
}

func (e *BlockedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("execution blocked: %s", e.Reason)
	}
	return fmt.Sprintf("execution blocked: %s (%s)", e.Reason, e.Detail)
}

// Config tunes the executor gates.
type Config struct {
	// Cooldown is the minimum interval between executed actions.
	Cooldown time.Duration
	// RateLimitWindow and RateLimitMax bound actions per window.
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// DefaultConfig returns the default executor tuning.
func DefaultConfig() Config {
	return Config{
		Cooldown:        10 * time.Minute,
		RateLimitWindow: time.Hour,
		RateLimitMax:    6,
	}
}

// appliedAction remembers what an executed action changed, for rollback.
type appliedAction struct {
	result      types.ExecutionResult
	action      types.SuggestedAction
	oldParam    types.ParamValue
	oldResource uint32
	appliedAt   time.Time
}

// Executor validates and applies corrective actions.
type Executor struct {
	cfg     Config
	brk     *breaker.Breaker
	allow   *allowlist.Allowlist
	runtime *RuntimeConfig

	// mu serializes execute/rollback so a rollback never races a new
	// execution and at most one action is ever in flight.
	mu         sync.Mutex
	lastAction time.Time
	recentRuns []time.Time
	applied    map[string]*appliedAction
	activeID   string // action applied but not yet learned from

	now func() time.Time
}

// New creates an executor over the given gates and runtime state.
func New(cfg Config, brk *breaker.Breaker, allow *allowlist.Allowlist, runtime *RuntimeConfig) *Executor {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultConfig().RateLimitWindow
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = DefaultConfig().RateLimitMax
	}
	return &Executor{
		cfg:     cfg,
		brk:     brk,
		allow:   allow,
		runtime: runtime,
		applied: make(map[string]*appliedAction),
		now:     time.Now,
	}
}

// Execute validates the diagnosis's suggested action and applies it to the
// runtime configuration. currentMetrics becomes the pre-action snapshot the
// learner will compare against.
func (e *Executor) Execute(diag *types.SelfDiagnosis, currentMetrics types.MetricsSnapshot) (*types.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.brk.CanExecute() {
		return nil, &BlockedError{Reason: BlockCircuitOpen}
	}

	now := e.now()
	if e.cfg.Cooldown > 0 && !e.lastAction.IsZero() {
		if elapsed := now.Sub(e.lastAction); elapsed < e.cfg.Cooldown {
			return nil, &BlockedError{
				Reason: BlockCooldownActive,
				Detail: fmt.Sprintf("%v remaining", e.cfg.Cooldown-elapsed),
			}
		}
	}

	e.pruneRateWindowLocked(now)
	if len(e.recentRuns) >= e.cfg.RateLimitMax {
		return nil, &BlockedError{
			Reason: BlockRateLimitExceeded,
			Detail: fmt.Sprintf("%d actions in the last %v", len(e.recentRuns), e.cfg.RateLimitWindow),
		}
	}

	action := diag.SuggestedAction
	if action == nil {
		return nil, fmt.Errorf("diagnosis %s has no suggested action", diag.ID)
	}
	if action.ActionKind() == types.ActionNoOp {
		// NoOps are recorded by the caller but never executed.
		return nil, &BlockedError{Reason: BlockNoOpAction, Detail: action.Describe()}
	}

	if err := e.allow.Validate(action); err != nil {
		return nil, &BlockedError{Reason: BlockNotAllowed, Detail: err.Error()}
	}

	start := time.Now()
	applied := &appliedAction{
		action:    action,
		appliedAt: now,
		result: types.ExecutionResult{
			ActionID:    uuid.New().String(),
			DiagnosisID: diag.ID,
			Outcome:     types.OutcomePending,
			PreMetrics:  currentMetrics,
		},
	}

	var applyErr error
	switch act := action.(type) {
	case types.AdjustParam:
		applied.oldParam, applyErr = e.runtime.SetParam(act.Key, act.NewValue)
	case types.ScaleResource:
		applied.oldResource, applyErr = e.runtime.SetResource(act.Resource, act.NewValue)
	default:
		applyErr = fmt.Errorf("unsupported action kind %q", action.ActionKind())
	}

	applied.result.ExecutionTimeMs = time.Since(start).Milliseconds()

	if applyErr != nil {
		applied.result.Outcome = types.OutcomeFailed
		applied.result.ErrorMessage = applyErr.Error()
		e.applied[applied.result.ActionID] = applied
		e.brk.RecordFailure()
		logging.Executor("action %s failed: %v", applied.result.ActionID, applyErr)
		result := applied.result
		return &result, fmt.Errorf("apply %s: %w", action.Describe(), applyErr)
	}

	applied.result.Outcome = types.OutcomeSuccess
	e.brk.RecordSuccess()
	e.applied[applied.result.ActionID] = applied
	e.activeID = applied.result.ActionID
	e.lastAction = now
	e.recentRuns = append(e.recentRuns, now)

	logging.Executor("applied %s (action %s, diagnosis %s)",
		action.Describe(), applied.result.ActionID, diag.ID)

	result := applied.result
	return &result, nil
}

// RollbackByID restores the pre-execution value of a successful action.
// Rolling back anything not in Success state is an explicit error.
func (e *Executor) RollbackByID(actionID string) (*types.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	applied, ok := e.applied[actionID]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", actionID)
	}
	if applied.result.Outcome != types.OutcomeSuccess {
		return nil, fmt.Errorf("action %s is %s, only successful actions can be rolled back",
			actionID, applied.result.Outcome)
	}

	var err error
	switch act := applied.action.(type) {
	case types.AdjustParam:
		_, err = e.runtime.SetParam(act.Key, applied.oldParam)
	case types.ScaleResource:
		_, err = e.runtime.SetResource(act.Resource, applied.oldResource)
	}
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", actionID, err)
	}

	applied.result.Outcome = types.OutcomeRolledBack
	if e.activeID == actionID {
		e.activeID = ""
	}
	logging.Executor("rolled back %s (action %s)", applied.action.Describe(), actionID)

	result := applied.result
	return &result, nil
}

// ActiveAction returns the action applied but not yet learned from, if any.
// At most one action is in flight at a time.
func (e *Executor) ActiveAction() (types.ExecutionResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeID == "" {
		return types.ExecutionResult{}, false
	}
	return e.applied[e.activeID].result, true
}

// HasActiveAction reports whether an action awaits learning.
func (e *Executor) HasActiveAction() bool {
	_, ok := e.ActiveAction()
	return ok
}

// ClearActive marks the in-flight action as learned from, releasing the
// single-active-action slot.
func (e *Executor) ClearActive(actionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeID == actionID {
		e.activeID = ""
	}
}

// CooldownRemaining reports how long until the next action may run.
func (e *Executor) CooldownRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastAction.IsZero() {
		return 0
	}
	remaining := e.cfg.Cooldown - e.now().Sub(e.lastAction)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// pruneRateWindowLocked drops rate-limit entries older than the window.
func (e *Executor) pruneRateWindowLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.RateLimitWindow)
	kept := e.recentRuns[:0]
	for _, t := range e.recentRuns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recentRuns = kept
}
