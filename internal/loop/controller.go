// Package loop orchestrates the improvement cycle: monitor, analyze,
// execute, learn. The Controller owns the cycle cadence, the operator
// surface (pause, approve, reject, rollback), and the persistence of
// everything a cycle produces. Cycles are single-flight; operator operations
// serialize with them.
package loop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"selftune/internal/analyzer"
	"selftune/internal/breaker"
	"selftune/internal/executor"
	"selftune/internal/learner"
	"selftune/internal/logging"
	"selftune/internal/metrics"
	"selftune/internal/monitor"
	"selftune/internal/store"
	"selftune/internal/types"
)

// CycleResult classifies what one improvement cycle did.
type CycleResult string

const (
	// ResultSkipped means too few samples accumulated to judge health.
	ResultSkipped CycleResult = "skipped"
	// ResultHealthy means no drift was detected.
	ResultHealthy CycleResult = "healthy"
	// ResultBlocked means a safety gate stopped the cycle.
	ResultBlocked CycleResult = "blocked"
	// ResultAwaitingApproval means a diagnosis now waits for an operator.
	ResultAwaitingApproval CycleResult = "awaiting_approval"
	// ResultActed means an action was executed.
	ResultActed CycleResult = "acted"
	// ResultNoOp means the collaborator deliberately chose not to act.
	ResultNoOp CycleResult = "no_op"
	// ResultLearned means a previous action's effect was measured.
	ResultLearned CycleResult = "learned"
	// ResultPaused means the loop is paused by an operator.
	ResultPaused CycleResult = "paused"
	// ResultError means a phase failed outright (not a safety gate).
	ResultError CycleResult = "error"
)

// Phase names the pipeline stage a blocked or failed cycle stopped at.
type Phase string

const (
	PhaseMonitor  Phase = "monitor"
	PhaseAnalyzer Phase = "analyzer"
	PhaseExecutor Phase = "executor"
	PhaseLearner  Phase = "learner"
	PhaseStore    Phase = "store"
)

// CycleReport summarizes one cycle for logs and the status surface.
type CycleReport struct {
	Result      CycleResult `json:"result"`
	Phase       Phase       `json:"phase,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	DiagnosisID string      `json:"diagnosis_id,omitempty"`
	ActionID    string      `json:"action_id,omitempty"`
	Reward      *float64    `json:"reward,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	DurationMs  int64       `json:"duration_ms"`
}

// Config tunes the controller.
type Config struct {
	// Interval is the periodic health-check cadence.
	Interval time.Duration
	// AutoApprove executes diagnoses below ApprovalMinSeverity without an
	// operator. Diagnoses at or above the threshold always wait; a nil
	// threshold auto-approves every severity.
	AutoApprove         bool
	ApprovalMinSeverity *types.Severity
}

// DefaultConfig returns the default controller tuning.
func DefaultConfig() Config {
	critical := types.SeverityCritical
	return Config{
		Interval:            5 * time.Minute,
		AutoApprove:         true,
		ApprovalMinSeverity: &critical,
	}
}

// pendingLearn is the single in-flight action awaiting its learning pass.
// invocationsAtExec snapshots the monitor's lifetime counter when the action
// was applied, so post-action samples accumulate across metric windows.
type pendingLearn struct {
	diagnosis         *types.SelfDiagnosis
	exec              *types.ExecutionResult
	invocationsAtExec uint64
}

// Controller drives the improvement loop.
type Controller struct {
	cfg Config

	mon    *monitor.Monitor
	an     *analyzer.Analyzer
	ex     *executor.Executor
	ln     *learner.Learner
	st     *store.Store
	brk    *breaker.Breaker
	collab types.Collaborator

	// mu serializes cycles and operator operations.
	mu         sync.Mutex
	paused     bool
	pauseNote  string
	pauseUntil time.Time
	learning   *pendingLearn
	lastCycle  *CycleReport

	trigger chan struct{}
}

// New wires a controller from its components and restores persisted state
// (baselines, pause flag).
func New(cfg Config, mon *monitor.Monitor, an *analyzer.Analyzer, ex *executor.Executor, ln *learner.Learner, st *store.Store, brk *breaker.Breaker, collab types.Collaborator) (*Controller, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	c := &Controller{
		cfg:     cfg,
		mon:     mon,
		an:      an,
		ex:      ex,
		ln:      ln,
		st:      st,
		brk:     brk,
		collab:  collab,
		trigger: make(chan struct{}, 1),
	}

	baselines, err := st.LoadBaselines()
	if err != nil {
		return nil, fmt.Errorf("load baselines: %w", err)
	}
	if len(baselines) > 0 {
		mon.RestoreBaselines(baselines)
		logging.Loop("restored %d baselines", len(baselines))
	}

	paused, reason, until, err := st.IsPaused()
	if err != nil {
		return nil, fmt.Errorf("load pause state: %w", err)
	}
	c.paused = paused
	c.pauseNote = reason
	c.pauseUntil = until
	if paused {
		logging.Loop("starting paused: %s", reason)
	}

	return c, nil
}

// OnInvocation feeds one completed tool invocation into the monitor.
func (c *Controller) OnInvocation(ev types.InvocationEvent) {
	c.mon.RecordInvocation(ev)
	metrics.ObserveInvocation(ev.Success)
}

// TriggerCheck requests an immediate cycle from Run. Non-blocking; a request
// already queued is enough.
func (c *Controller) TriggerCheck() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run drives periodic cycles until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.RunCycle(ctx, false)
			case <-c.trigger:
				c.RunCycle(ctx, true)
			}
		}
	})
	return g.Wait()
}

// RunCycle executes one improvement cycle. force bypasses the monitor's
// minimum-sample gate (operator-requested checks).
func (c *Controller) RunCycle(ctx context.Context, force bool) CycleReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	report := c.cycleLocked(ctx, force)
	report.StartedAt = start
	report.DurationMs = time.Since(start).Milliseconds()

	c.lastCycle = &report
	metrics.ObserveCycle(c.metricResult(report.Result), time.Since(start).Seconds())
	metrics.SetBreakerState(float64(c.brk.State()))
	logging.Loop("cycle %s: %s (%dms)", report.Result, report.Detail, report.DurationMs)
	return report
}

func (c *Controller) metricResult(r CycleResult) string {
	switch r {
	case ResultActed, ResultLearned, ResultNoOp:
		return metrics.CycleActed
	case ResultHealthy, ResultSkipped:
		return metrics.CycleHealthy
	case ResultBlocked, ResultPaused, ResultAwaitingApproval:
		return metrics.CycleBlocked
	default:
		return metrics.CycleError
	}
}

func (c *Controller) cycleLocked(ctx context.Context, force bool) CycleReport {
	if c.paused {
		if c.pauseUntil.IsZero() || time.Now().Before(c.pauseUntil) {
			return CycleReport{Result: ResultPaused, Detail: c.pauseNote}
		}
		// Timed pause expired.
		if err := c.resumeLocked(); err != nil {
			return CycleReport{Result: ResultPaused, Detail: err.Error()}
		}
		logging.Loop("timed pause expired, resuming")
	}

	var health *types.HealthReport
	if force {
		health = c.mon.ForceCheck()
	} else {
		health = c.mon.CheckHealth()
	}
	if health == nil {
		return CycleReport{Result: ResultSkipped, Detail: "not enough samples since last check"}
	}

	c.persistBaselines()
	for _, t := range health.Triggers {
		metrics.ObserveTrigger(string(t.Metric()),
			types.SeverityFromDeviation(t.DeviationPct()).String())
	}

	// A previously executed action still awaiting its learning pass takes
	// priority, and blocks new analysis: one change at a time, or the
	// reward cannot be attributed.
	if c.learning != nil {
		return c.learnLocked(ctx, health)
	}

	if health.IsHealthy {
		return CycleReport{Result: ResultHealthy}
	}

	result, err := c.an.Analyze(ctx, health)
	if err != nil {
		if blocked, ok := asAnalyzerBlocked(err); ok {
			return CycleReport{Result: ResultBlocked, Phase: PhaseAnalyzer, Detail: blocked.Error()}
		}
		// Collaborator errors and timeouts count against the breaker.
		c.brk.RecordFailure()
		return CycleReport{Result: ResultError, Phase: PhaseAnalyzer, Detail: err.Error()}
	}

	diag := result.Diagnosis
	if err := c.st.SaveDiagnosis(diag); err != nil {
		return CycleReport{Result: ResultError, Phase: PhaseStore, Detail: err.Error()}
	}

	// Second-opinion review. Advisory but honored: a rejection parks the
	// diagnosis rather than killing the cycle.
	if c.collab != nil {
		review, err := c.collab.ValidateDecision(ctx, diag.SuggestedAction, diag)
		if err == nil && review != nil && !review.Approved {
			c.st.UpdateDiagnosisStatusReason(diag.ID, types.StatusRejected, review.Reason)
			return CycleReport{
				Result:      ResultBlocked,
				Detail:      fmt.Sprintf("review rejected: %s", review.Reason),
				DiagnosisID: diag.ID,
			}
		}
	}

	if c.requiresApproval(diag) {
		return CycleReport{
			Result:      ResultAwaitingApproval,
			Detail:      fmt.Sprintf("%s diagnosis needs operator approval", diag.Severity),
			DiagnosisID: diag.ID,
		}
	}

	if err := c.st.UpdateDiagnosisStatus(diag.ID, types.StatusApproved); err != nil {
		return CycleReport{Result: ResultError, Phase: PhaseStore, Detail: err.Error()}
	}
	diag.Status = types.StatusApproved
	return c.executeLocked(diag, health.Current)
}

func (c *Controller) requiresApproval(diag *types.SelfDiagnosis) bool {
	if !c.cfg.AutoApprove {
		return true
	}
	if c.cfg.ApprovalMinSeverity == nil {
		return false
	}
	return diag.Severity >= *c.cfg.ApprovalMinSeverity
}

// executeLocked runs an approved diagnosis through the executor and records
// the outcome.
func (c *Controller) executeLocked(diag *types.SelfDiagnosis, current types.MetricsSnapshot) CycleReport {
	exec, err := c.ex.Execute(diag, current)
	if err != nil {
		if blocked, ok := asExecutorBlocked(err); ok {
			if blocked.Reason == executor.BlockNoOpAction {
				// Recorded, never executed.
				c.st.UpdateDiagnosisStatus(diag.ID, types.StatusExecuted)
				metrics.ObserveAction("no_op")
				return CycleReport{Result: ResultNoOp, Detail: blocked.Detail, DiagnosisID: diag.ID}
			}
			return CycleReport{Result: ResultBlocked, Phase: PhaseExecutor, Detail: blocked.Error(), DiagnosisID: diag.ID}
		}

		// Apply failure: the executor already recorded a Failed result.
		c.st.UpdateDiagnosisStatus(diag.ID, types.StatusFailed)
		if exec != nil {
			c.st.SaveExecution(exec)
			metrics.ObserveAction(string(exec.Outcome))
		}
		return CycleReport{Result: ResultError, Phase: PhaseExecutor, Detail: err.Error(), DiagnosisID: diag.ID}
	}

	if err := c.st.SaveExecution(exec); err != nil {
		logging.LoopError("persist execution %s: %v", exec.ActionID, err)
	}
	c.st.UpdateDiagnosisStatus(diag.ID, types.StatusExecuted)
	metrics.ObserveAction(string(exec.Outcome))

	if act, ok := diag.SuggestedAction.(types.AdjustParam); ok {
		c.st.SaveConfigOverride(act.Key, act.NewValue, exec.ActionID)
	}

	c.learning = &pendingLearn{
		diagnosis:         diag,
		exec:              exec,
		invocationsAtExec: c.mon.TotalInvocations(),
	}
	return CycleReport{Result: ResultActed, Detail: diag.SuggestedAction.Describe(),
		DiagnosisID: diag.ID, ActionID: exec.ActionID}
}

// learnLocked measures the effect of the pending action against this cycle's
// metrics window.
func (c *Controller) learnLocked(ctx context.Context, health *types.HealthReport) CycleReport {
	pending := c.learning
	observed := c.mon.TotalInvocations() - pending.invocationsAtExec
	outcome, err := c.ln.Learn(ctx, pending.diagnosis, pending.exec, health.Current, observed)
	if err != nil {
		if blocked, ok := asLearnerBlocked(err); ok {
			return CycleReport{
				Result:      ResultBlocked,
				Phase:       PhaseLearner,
				Detail:      blocked.Error(),
				DiagnosisID: pending.diagnosis.ID,
				ActionID:    pending.exec.ActionID,
			}
		}
		// Collaborator errors and timeouts count against the breaker.
		c.brk.RecordFailure()
		return CycleReport{Result: ResultError, Phase: PhaseLearner, Detail: err.Error(),
			ActionID: pending.exec.ActionID}
	}

	if err := c.st.SaveLearning(outcome); err != nil {
		logging.LoopError("persist learning %s: %v", outcome.ID, err)
	}
	metrics.ObserveReward(outcome.Reward.Value)
	c.ex.ClearActive(pending.exec.ActionID)
	c.learning = nil

	reward := outcome.Reward.Value
	return CycleReport{
		Result:      ResultLearned,
		Detail:      fmt.Sprintf("reward %.3f", reward),
		DiagnosisID: pending.diagnosis.ID,
		ActionID:    pending.exec.ActionID,
		Reward:      &reward,
	}
}

func (c *Controller) persistBaselines() {
	if err := c.st.SaveBaselines(c.mon.BaselineSnapshots()); err != nil {
		logging.LoopError("persist baselines: %v", err)
	}
}
