package loop

import (
	"errors"
	"fmt"
	"time"

	"selftune/internal/analyzer"
	"selftune/internal/breaker"
	"selftune/internal/executor"
	"selftune/internal/learner"
	"selftune/internal/logging"
	"selftune/internal/metrics"
	"selftune/internal/types"
)

func asAnalyzerBlocked(err error) (*analyzer.BlockedError, bool) {
	var blocked *analyzer.BlockedError
	ok := errors.As(err, &blocked)
	return blocked, ok
}

func asExecutorBlocked(err error) (*executor.BlockedError, bool) {
	var blocked *executor.BlockedError
	ok := errors.As(err, &blocked)
	return blocked, ok
}

func asLearnerBlocked(err error) (*learner.BlockedError, bool) {
	var blocked *learner.BlockedError
	ok := errors.As(err, &blocked)
	return blocked, ok
}

// =============================================================================
// OPERATOR SURFACE
// =============================================================================

// Pause stops the loop from acting for the given duration, or until Resume
// when the duration is zero. The flag persists across restarts.
func (c *Controller) Pause(reason string, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var until time.Time
	if d > 0 {
		until = time.Now().Add(d)
	}
	if err := c.st.SetPaused(true, reason, until); err != nil {
		return err
	}
	c.paused = true
	c.pauseNote = reason
	c.pauseUntil = until
	if until.IsZero() {
		logging.Loop("paused until resumed: %s", reason)
	} else {
		logging.Loop("paused until %s: %s", until.Format(time.RFC3339), reason)
	}
	return nil
}

// Resume re-enables the loop.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.resumeLocked(); err != nil {
		return err
	}
	logging.Loop("resumed")
	return nil
}

func (c *Controller) resumeLocked() error {
	if err := c.st.SetPaused(false, "", time.Time{}); err != nil {
		return err
	}
	c.paused = false
	c.pauseNote = ""
	c.pauseUntil = time.Time{}
	return nil
}

// Approve releases a diagnosis that was held for operator approval and
// executes it against the current metrics window.
func (c *Controller) Approve(diagnosisID string) (CycleReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	diag, err := c.st.GetDiagnosis(diagnosisID)
	if err != nil {
		return CycleReport{}, err
	}
	if diag == nil {
		return CycleReport{}, fmt.Errorf("diagnosis %q not found", diagnosisID)
	}
	if diag.Status != types.StatusPending {
		return CycleReport{}, fmt.Errorf("diagnosis %s is %s, only pending diagnoses can be approved",
			diagnosisID, diag.Status)
	}
	if c.learning != nil {
		return CycleReport{}, fmt.Errorf("action %s still awaits learning, one change at a time",
			c.learning.exec.ActionID)
	}

	if err := c.st.UpdateDiagnosisStatus(diag.ID, types.StatusApproved); err != nil {
		return CycleReport{}, err
	}
	diag.Status = types.StatusApproved
	logging.Loop("diagnosis %s approved by operator", diag.ID)

	report := c.executeLocked(diag, c.mon.Snapshot())
	report.StartedAt = time.Now()
	return report, nil
}

// Reject discards a pending diagnosis, recording the operator's reason.
func (c *Controller) Reject(diagnosisID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	diag, err := c.st.GetDiagnosis(diagnosisID)
	if err != nil {
		return err
	}
	if diag == nil {
		return fmt.Errorf("diagnosis %q not found", diagnosisID)
	}
	if diag.Status != types.StatusPending {
		return fmt.Errorf("diagnosis %s is %s, only pending diagnoses can be rejected",
			diagnosisID, diag.Status)
	}
	if err := c.st.UpdateDiagnosisStatusReason(diag.ID, types.StatusRejected, reason); err != nil {
		return err
	}
	logging.Loop("diagnosis %s rejected by operator: %s", diag.ID, reason)
	return nil
}

// Rollback reverts a successfully executed action and records the reversal.
func (c *Controller) Rollback(actionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.ex.RollbackByID(actionID)
	if err != nil {
		return err
	}

	if err := c.st.UpdateActionOutcome(actionID, types.OutcomeRolledBack); err != nil {
		logging.LoopError("persist rollback %s: %v", actionID, err)
	}
	c.st.UpdateDiagnosisStatus(result.DiagnosisID, types.StatusRolledBack)
	metrics.ObserveAction(string(types.OutcomeRolledBack))

	if diag, err := c.st.GetDiagnosis(result.DiagnosisID); err == nil && diag != nil {
		if act, ok := diag.SuggestedAction.(types.AdjustParam); ok {
			c.st.DeleteConfigOverride(act.Key)
		}
	}

	// The rolled-back action no longer awaits learning.
	if c.learning != nil && c.learning.exec.ActionID == actionID {
		c.learning = nil
	}

	logging.Loop("action %s rolled back by operator", actionID)
	return nil
}

// ResetBreaker forces the safety breaker closed. Operator override.
func (c *Controller) ResetBreaker() {
	c.brk.ForceReset()
	metrics.SetBreakerState(float64(c.brk.State()))
	logging.Loop("breaker force-reset by operator")
}

// Status is the operator-facing view of the loop.
type Status struct {
	Paused           bool                                        `json:"paused"`
	PauseReason      string                                      `json:"pause_reason,omitempty"`
	PausedUntil      *time.Time                                  `json:"paused_until,omitempty"`
	Breaker          breaker.Status                              `json:"breaker"`
	Current          types.MetricsSnapshot                       `json:"current_metrics"`
	Baselines        map[types.MetricKind]types.BaselineSnapshot `json:"baselines"`
	TotalInvocations uint64                                      `json:"total_invocations"`
	PendingDiagnoses int                                         `json:"pending_diagnoses"`
	ActiveActionID   string                                      `json:"active_action_id,omitempty"`
	LastCycle        *CycleReport                                `json:"last_cycle,omitempty"`
	RecentLearnings  []*types.LearningOutcome                    `json:"recent_learnings,omitempty"`
}

// Status reports the loop's current state.
func (c *Controller) Status() (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.st.CountPending()
	if err != nil {
		return nil, err
	}
	learnings, err := c.st.ListLearnings(5)
	if err != nil {
		return nil, err
	}

	s := &Status{
		Paused:           c.paused,
		PauseReason:      c.pauseNote,
		PausedUntil:      pausedUntil(c.pauseUntil),
		Breaker:          c.brk.Snapshot(),
		Current:          c.mon.Snapshot(),
		Baselines:        c.mon.BaselineSnapshots(),
		TotalInvocations: c.mon.TotalInvocations(),
		PendingDiagnoses: pending,
		LastCycle:        c.lastCycle,
		RecentLearnings:  learnings,
	}
	if active, ok := c.ex.ActiveAction(); ok {
		s.ActiveActionID = active.ActionID
	}
	return s, nil
}

func pausedUntil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
