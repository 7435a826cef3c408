package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"selftune/internal/allowlist"
	"selftune/internal/analyzer"
	"selftune/internal/breaker"
	"selftune/internal/executor"
	"selftune/internal/learner"
	"selftune/internal/monitor"
	"selftune/internal/store"
	"selftune/internal/types"
)

type harness struct {
	ctrl    *Controller
	mon     *monitor.Monitor
	runtime *executor.RuntimeConfig
	st      *store.Store
	brk     *breaker.Breaker
	collab  *mockCollaborator
}

func newHarness(t *testing.T, cfg Config) *harness {
	return newHarnessWithLearner(t, cfg, learner.Config{MinPostSamples: 20, ConfidenceSamples: 50})
}

func newHarnessWithLearner(t *testing.T, cfg Config, lnCfg learner.Config) *harness {
	t.Helper()

	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mon := monitor.New(monitor.Config{
		MinSamplesPerCheck:    10,
		MinBaselineSamples:    30,
		ErrorRateThresholdPct: 25,
		LatencyThresholdPct:   25,
		QualityThresholdPct:   15,
		QualityMinimum:        0.5,
	})
	brk := breaker.New(breaker.Config{FailureThreshold: 3, ResetTimeout: time.Hour, SuccessThreshold: 2})
	collab := newMockCollaborator()

	al := allowlist.New()
	al.RegisterParam("max_retries", allowlist.ParamBounds{Min: 1, Max: 10, Step: 1})
	runtime := executor.NewRuntimeConfig(
		map[string]types.ParamValue{"max_retries": types.IntValue(3)},
		nil,
	)

	an := analyzer.New(analyzer.Config{MinSeverity: types.SeverityWarning, MaxPending: 5, CallTimeout: time.Second},
		brk, collab, st.CountPending)
	ex := executor.New(executor.Config{Cooldown: 0, RateLimitWindow: time.Hour, RateLimitMax: 10}, brk, al, runtime)
	ln := learner.New(lnCfg, collab)

	ctrl, err := New(cfg, mon, an, ex, ln, st, brk, collab)
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	return &harness{ctrl: ctrl, mon: mon, runtime: runtime, st: st, brk: brk, collab: collab}
}

func defaultTestConfig() Config {
	critical := types.SeverityCritical
	return Config{
		Interval:            time.Minute,
		AutoApprove:         true,
		ApprovalMinSeverity: &critical,
	}
}

// seedBaselines gives the monitor trusted reference baselines so a drifted
// window triggers deterministically.
func (h *harness) seedBaselines() {
	h.mon.RestoreBaselines(map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:  {EMA: 0.2, RollingAvg: 0.2, SampleCount: 100},
		types.MetricLatencyP95: {EMA: 100, RollingAvg: 100, SampleCount: 100},
	})
}

// feed pushes n invocations with the given failure count and flat latency.
func (h *harness) feed(n, failures int) {
	for i := 0; i < n; i++ {
		h.ctrl.OnInvocation(types.InvocationEvent{
			ToolName:  "search",
			LatencyMs: 100,
			Success:   i >= failures,
			Timestamp: time.Now(),
		})
	}
}

func TestCycle_SkippedWithoutSamples(t *testing.T) {
	h := newHarness(t, defaultTestConfig())

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultSkipped {
		t.Errorf("result = %s, want skipped", report.Result)
	}
}

func TestCycle_HealthySteadyState(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()

	// 20% failures matches the seeded baseline exactly.
	h.feed(40, 8)
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultHealthy {
		t.Fatalf("result = %s (%s), want healthy", report.Result, report.Detail)
	}
	if h.collab.diagnoseCalls != 0 {
		t.Error("healthy cycle must not consult the collaborator")
	}
}

func TestCycle_DriftExecutesAction(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()

	// 35% failures vs the 20% baseline: 75% deviation, High severity,
	// below the Critical approval threshold.
	h.feed(40, 14)
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultActed {
		t.Fatalf("result = %s (%s), want acted", report.Result, report.Detail)
	}
	if report.DiagnosisID == "" || report.ActionID == "" {
		t.Errorf("report missing identifiers: %+v", report)
	}

	v, _ := h.runtime.Param("max_retries")
	if v.Integer != 5 {
		t.Errorf("max_retries = %v, want 5", v)
	}

	diag, err := h.st.GetDiagnosis(report.DiagnosisID)
	if err != nil || diag == nil {
		t.Fatalf("GetDiagnosis: %v, %v", diag, err)
	}
	if diag.Status != types.StatusExecuted {
		t.Errorf("diagnosis status = %s, want executed", diag.Status)
	}

	exec, err := h.st.GetExecution(report.ActionID)
	if err != nil || exec == nil {
		t.Fatalf("GetExecution: %v, %v", exec, err)
	}
	if exec.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", exec.Outcome)
	}

	overrides, _ := h.st.ListConfigOverrides()
	if len(overrides) != 1 || overrides[0].Key != "max_retries" {
		t.Errorf("overrides = %+v", overrides)
	}
}

func TestCycle_LearnsAfterAction(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()

	h.feed(40, 14)
	acted := h.ctrl.RunCycle(context.Background(), false)
	if acted.Result != ResultActed {
		t.Fatalf("setup: %s (%s)", acted.Result, acted.Detail)
	}

	// Post-action window: error rate recovered to 5%.
	h.feed(40, 2)
	learned := h.ctrl.RunCycle(context.Background(), false)
	if learned.Result != ResultLearned {
		t.Fatalf("result = %s (%s), want learned", learned.Result, learned.Detail)
	}
	if learned.Reward == nil || *learned.Reward <= 0 {
		t.Errorf("reward = %v, want positive for a recovery", learned.Reward)
	}
	if h.collab.synthesizeCalls != 1 {
		t.Errorf("synthesize calls = %d, want 1", h.collab.synthesizeCalls)
	}

	learnings, _ := h.st.ListLearnings(10)
	if len(learnings) != 1 {
		t.Fatalf("learnings = %d, want 1", len(learnings))
	}
	if learnings[0].ActionID != acted.ActionID {
		t.Errorf("learning action = %s, want %s", learnings[0].ActionID, acted.ActionID)
	}

	// The in-flight slot is released; a new drift can be analyzed.
	status, _ := h.ctrl.Status()
	if status.ActiveActionID != "" {
		t.Error("active action must clear after learning")
	}
}

func TestCycle_LearningWaitsForSamples(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()

	h.feed(40, 14)
	if r := h.ctrl.RunCycle(context.Background(), false); r.Result != ResultActed {
		t.Fatalf("setup: %s", r.Result)
	}

	// Only 12 post samples; learning must wait and new analysis must not run.
	h.feed(12, 0)
	report := h.ctrl.RunCycle(context.Background(), true)
	if report.Result != ResultBlocked {
		t.Fatalf("result = %s, want blocked while samples accumulate", report.Result)
	}
	if h.collab.diagnoseCalls != 1 {
		t.Error("no new analysis while an action awaits learning")
	}
}

func TestCycle_PausedDoesNothing(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()
	h.feed(40, 14)

	if err := h.ctrl.Pause("maintenance", 0); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultPaused {
		t.Fatalf("result = %s, want paused", report.Result)
	}

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	report = h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultActed {
		t.Errorf("result after resume = %s (%s), want acted", report.Result, report.Detail)
	}
}

func TestCycle_TimedPauseExpires(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()
	h.feed(40, 14)

	if err := h.ctrl.Pause("brief hold", time.Millisecond); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultActed {
		t.Fatalf("result after expiry = %s (%s), want acted", report.Result, report.Detail)
	}
	if paused, _, _, _ := h.st.IsPaused(); paused {
		t.Error("expired pause must be cleared in the store")
	}
}

func TestPauseSurvivesRestart(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	if err := h.ctrl.Pause("maintenance", 0); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// A second controller over the same store starts paused.
	mon := monitor.New(monitor.Config{MinSamplesPerCheck: 10, MinBaselineSamples: 30})
	brk := breaker.New(breaker.Config{})
	ctrl2, err := New(defaultTestConfig(), mon, nil, nil, nil, h.st, brk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report := ctrl2.RunCycle(context.Background(), false)
	if report.Result != ResultPaused {
		t.Errorf("restarted controller result = %s, want paused", report.Result)
	}
}

func TestCycle_BreakerOpenBlocks(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()
	h.feed(40, 14)

	h.brk.RecordFailure()
	h.brk.RecordFailure()
	h.brk.RecordFailure()

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultBlocked {
		t.Fatalf("result = %s, want blocked", report.Result)
	}
	if h.collab.diagnoseCalls != 0 {
		t.Error("collaborator must not be consulted while the breaker is open")
	}
}

func TestCycle_CollaboratorFailuresTripBreaker(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.collab.diagnosisErr = errors.New("backend timeout")
	h.seedBaselines()

	for i := 0; i < 3; i++ {
		h.feed(40, 14)
		report := h.ctrl.RunCycle(context.Background(), false)
		if report.Result != ResultError {
			t.Fatalf("cycle %d result = %s (%s), want error", i, report.Result, report.Detail)
		}
	}
	if h.brk.State() != breaker.StateOpen {
		t.Fatalf("breaker = %v, want open after repeated collaborator failures", h.brk.State())
	}

	// With the breaker open, the collaborator is no longer consulted.
	calls := h.collab.diagnoseCalls
	h.feed(40, 14)
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultBlocked {
		t.Fatalf("result = %s (%s), want blocked", report.Result, report.Detail)
	}
	if h.collab.diagnoseCalls != calls {
		t.Error("open breaker must stop collaborator calls")
	}
}

func TestCycle_LearningAccumulatesAcrossWindows(t *testing.T) {
	// The minimum post-action sample count exceeds a single metrics window,
	// so post-action invocations must add up across checks.
	h := newHarnessWithLearner(t, defaultTestConfig(),
		learner.Config{MinPostSamples: 50, ConfidenceSamples: 50})
	h.seedBaselines()

	h.feed(40, 14)
	if r := h.ctrl.RunCycle(context.Background(), false); r.Result != ResultActed {
		t.Fatalf("setup: %s (%s)", r.Result, r.Detail)
	}

	for i := 0; i < 2; i++ {
		h.feed(20, 1)
		report := h.ctrl.RunCycle(context.Background(), false)
		if report.Result != ResultBlocked {
			t.Fatalf("cycle %d result = %s (%s), want blocked below 50 samples",
				i, report.Result, report.Detail)
		}
	}

	h.feed(20, 1)
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultLearned {
		t.Fatalf("result = %s (%s), want learned at 60 accumulated samples",
			report.Result, report.Detail)
	}
	if report.Reward == nil || *report.Reward <= 0 {
		t.Errorf("reward = %v, want positive for a recovery", report.Reward)
	}
}

func TestCycle_CriticalDriftAutoExecutesWithoutThreshold(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ApprovalMinSeverity = nil // every severity auto-approves
	h := newHarness(t, cfg)
	h.mon.RestoreBaselines(map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:  {EMA: 0.04, RollingAvg: 0.04, SampleCount: 100},
		types.MetricLatencyP95: {EMA: 100, RollingAvg: 100, SampleCount: 100},
	})

	// 10% errors against a 4% baseline: 150% deviation, Critical.
	h.feed(40, 4)
	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultActed {
		t.Fatalf("result = %s (%s), want acted", report.Result, report.Detail)
	}
	diag, _ := h.st.GetDiagnosis(report.DiagnosisID)
	if diag.Severity != types.SeverityCritical {
		t.Fatalf("severity = %s, want critical", diag.Severity)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 5 {
		t.Errorf("max_retries = %v, want 5", v)
	}

	// Post-action recovery closes the loop with a positive reward.
	h.feed(40, 2)
	learned := h.ctrl.RunCycle(context.Background(), false)
	if learned.Result != ResultLearned {
		t.Fatalf("result = %s (%s), want learned", learned.Result, learned.Detail)
	}
	if learned.Reward == nil || *learned.Reward <= 0 {
		t.Errorf("reward = %v, want positive", learned.Reward)
	}
}

func TestCycle_ReviewRejectionParksDiagnosis(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.collab.reviewApproved = false
	h.collab.reviewReason = "change too large"
	h.seedBaselines()
	h.feed(40, 14)

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultBlocked {
		t.Fatalf("result = %s, want blocked on review rejection", report.Result)
	}
	diag, _ := h.st.GetDiagnosis(report.DiagnosisID)
	if diag.Status != types.StatusRejected {
		t.Errorf("diagnosis status = %s, want rejected", diag.Status)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 3 {
		t.Error("rejected action must not touch runtime config")
	}
}

func TestCycle_NoOpRecordedNotExecuted(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.collab.action = types.NoOp{Reason: "weak evidence", RevisitAfter: time.Hour}
	h.seedBaselines()
	h.feed(40, 14)

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultNoOp {
		t.Fatalf("result = %s (%s), want no_op", report.Result, report.Detail)
	}
	diag, _ := h.st.GetDiagnosis(report.DiagnosisID)
	if diag.Status != types.StatusExecuted {
		t.Errorf("diagnosis status = %s, want executed (recorded)", diag.Status)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 3 {
		t.Error("no-op must not touch runtime config")
	}
}

func TestApprovalWorkflow(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoApprove = false // everything waits for the operator
	h := newHarness(t, cfg)
	h.seedBaselines()
	h.feed(40, 14)

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultAwaitingApproval {
		t.Fatalf("result = %s (%s), want awaiting_approval", report.Result, report.Detail)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 3 {
		t.Error("held diagnosis must not execute")
	}

	approved, err := h.ctrl.Approve(report.DiagnosisID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Result != ResultActed {
		t.Fatalf("approve result = %s (%s), want acted", approved.Result, approved.Detail)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 5 {
		t.Error("approved action must execute")
	}

	// Approving again is an error: no longer pending.
	if _, err := h.ctrl.Approve(report.DiagnosisID); err == nil {
		t.Error("double approve must fail")
	}
}

func TestRejectWorkflow(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoApprove = false
	h := newHarness(t, cfg)
	h.seedBaselines()
	h.feed(40, 14)

	report := h.ctrl.RunCycle(context.Background(), false)
	if report.Result != ResultAwaitingApproval {
		t.Fatalf("setup: %s", report.Result)
	}
	if err := h.ctrl.Reject(report.DiagnosisID, "too risky this close to release"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	diag, _ := h.st.GetDiagnosis(report.DiagnosisID)
	if diag.Status != types.StatusRejected {
		t.Errorf("status = %s, want rejected", diag.Status)
	}
	if diag.StatusReason != "too risky this close to release" {
		t.Errorf("status reason = %q, want operator's words", diag.StatusReason)
	}
	if err := h.ctrl.Reject(report.DiagnosisID, ""); err == nil {
		t.Error("double reject must fail")
	}
}

func TestRollbackWorkflow(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.seedBaselines()
	h.feed(40, 14)

	acted := h.ctrl.RunCycle(context.Background(), false)
	if acted.Result != ResultActed {
		t.Fatalf("setup: %s", acted.Result)
	}

	if err := h.ctrl.Rollback(acted.ActionID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if v, _ := h.runtime.Param("max_retries"); v.Integer != 3 {
		t.Errorf("max_retries = %v, want restored 3", v)
	}
	exec, _ := h.st.GetExecution(acted.ActionID)
	if exec.Outcome != types.OutcomeRolledBack {
		t.Errorf("outcome = %s, want rolled_back", exec.Outcome)
	}
	diag, _ := h.st.GetDiagnosis(acted.DiagnosisID)
	if diag.Status != types.StatusRolledBack {
		t.Errorf("diagnosis status = %s, want rolled_back", diag.Status)
	}
	overrides, _ := h.st.ListConfigOverrides()
	if len(overrides) != 0 {
		t.Errorf("overrides = %+v, want none after rollback", overrides)
	}

	// Rollback released the learning slot.
	status, _ := h.ctrl.Status()
	if status.ActiveActionID != "" {
		t.Error("rollback must clear the in-flight action")
	}
}

func TestBaselinesPersistAcrossControllers(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.feed(40, 8)
	if r := h.ctrl.RunCycle(context.Background(), true); r.Result == ResultSkipped {
		t.Fatalf("forced cycle skipped")
	}

	saved, err := h.st.LoadBaselines()
	if err != nil {
		t.Fatalf("LoadBaselines: %v", err)
	}
	if saved[types.MetricErrorRate].SampleCount == 0 {
		t.Error("error-rate baseline not persisted")
	}
}

func TestStatusSurface(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	h.feed(25, 5)

	status, err := h.ctrl.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.TotalInvocations != 25 {
		t.Errorf("invocations = %d, want 25", status.TotalInvocations)
	}
	if status.Breaker.State != breaker.StateClosed {
		t.Errorf("breaker = %v, want closed", status.Breaker.State)
	}
	if status.Paused {
		t.Error("fresh controller must not be paused")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, defaultTestConfig())
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	h.ctrl.TriggerCheck()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
