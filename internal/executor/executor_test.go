package executor

import (
	"errors"
	"testing"
	"time"

	"selftune/internal/allowlist"
	"selftune/internal/breaker"
	"selftune/internal/types"
)

func testAllowlist(t *testing.T) *allowlist.Allowlist {
	t.Helper()
	al := allowlist.New()
	al.RegisterParam("max_retries", allowlist.ParamBounds{Min: 1, Max: 10, Step: 1})
	al.RegisterParam("timeout_ms", allowlist.ParamBounds{Min: 1000, Max: 300000})
	al.RegisterResource("worker_pool", allowlist.ResourceBounds{Min: 1, Max: 64, Step: 1})
	return al
}

func testRuntime() *RuntimeConfig {
	return NewRuntimeConfig(
		map[string]types.ParamValue{
			"max_retries": types.IntValue(3),
			"timeout_ms":  types.DurationValue(30000),
		},
		map[string]uint32{"worker_pool": 8},
	)
}

func adjustDiag(key string, old, next types.ParamValue) *types.SelfDiagnosis {
	return &types.SelfDiagnosis{
		ID:       "diag-1",
		Severity: types.SeverityHigh,
		SuggestedAction: types.AdjustParam{
			Key:      key,
			OldValue: old,
			NewValue: next,
		},
		Status: types.StatusApproved,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *RuntimeConfig, *breaker.Breaker, *time.Time) {
	t.Helper()
	brk := breaker.New(breaker.Config{FailureThreshold: 3, ResetTimeout: time.Hour, SuccessThreshold: 2})
	rc := testRuntime()
	ex := New(Config{Cooldown: 10 * time.Minute, RateLimitWindow: time.Hour, RateLimitMax: 3}, brk, testAllowlist(t), rc)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ex.now = func() time.Time { return clock }
	return ex, rc, brk, &clock
}

func TestExecute_AppliesParamChange(t *testing.T) {
	ex, rc, _, _ := newTestExecutor(t)
	pre := types.MetricsSnapshot{ErrorRate: 0.10, SampleCount: 40}

	result, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), pre)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", result.Outcome)
	}
	if result.ActionID == "" || result.DiagnosisID != "diag-1" {
		t.Errorf("bad identifiers: %+v", result)
	}
	if result.PreMetrics.ErrorRate != 0.10 {
		t.Errorf("pre metrics not captured: %+v", result.PreMetrics)
	}

	v, _ := rc.Param("max_retries")
	if got, _ := v.AsFloat(); got != 5 {
		t.Errorf("max_retries = %v, want 5", v)
	}
	if !ex.HasActiveAction() {
		t.Error("executed action should occupy the active slot")
	}
}

func TestExecute_BlockedWhenCircuitOpen(t *testing.T) {
	ex, rc, brk, _ := newTestExecutor(t)
	brk.RecordFailure()
	brk.RecordFailure()
	brk.RecordFailure()

	_, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), types.MetricsSnapshot{})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockCircuitOpen {
		t.Fatalf("err = %v, want BlockedError{circuit_open}", err)
	}
	if v, _ := rc.Param("max_retries"); func() float64 { f, _ := v.AsFloat(); return f }() != 3 {
		t.Error("runtime config must not change while the breaker is open")
	}
}

func TestExecute_CooldownBlocksSecondAction(t *testing.T) {
	ex, _, _, clock := newTestExecutor(t)

	if _, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), types.MetricsSnapshot{}); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	*clock = clock.Add(5 * time.Minute)
	_, err := ex.Execute(adjustDiag("max_retries", types.IntValue(5), types.IntValue(7)), types.MetricsSnapshot{})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockCooldownActive {
		t.Fatalf("err = %v, want BlockedError{cooldown_active}", err)
	}

	*clock = clock.Add(6 * time.Minute)
	if _, err := ex.Execute(adjustDiag("max_retries", types.IntValue(5), types.IntValue(7)), types.MetricsSnapshot{}); err != nil {
		t.Fatalf("Execute after cooldown: %v", err)
	}
}

func TestExecute_RateLimitExceeded(t *testing.T) {
	ex, _, _, clock := newTestExecutor(t)

	for i := 0; i < 3; i++ {
		next := types.IntValue(int64(4 + i))
		if _, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), next), types.MetricsSnapshot{}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		*clock = clock.Add(15 * time.Minute)
	}

	_, err := ex.Execute(adjustDiag("max_retries", types.IntValue(6), types.IntValue(7)), types.MetricsSnapshot{})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockRateLimitExceeded {
		t.Fatalf("err = %v, want BlockedError{rate_limit_exceeded}", err)
	}

	// The window slides: an hour later the oldest entries expire.
	*clock = clock.Add(time.Hour)
	if _, err := ex.Execute(adjustDiag("max_retries", types.IntValue(6), types.IntValue(7)), types.MetricsSnapshot{}); err != nil {
		t.Fatalf("Execute after window slide: %v", err)
	}
}

func TestExecute_NoOpNeverExecuted(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	diag := &types.SelfDiagnosis{
		ID:              "diag-noop",
		SuggestedAction: types.NoOp{Reason: "insufficient evidence", RevisitAfter: time.Hour},
		Status:          types.StatusApproved,
	}

	_, err := ex.Execute(diag, types.MetricsSnapshot{})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockNoOpAction {
		t.Fatalf("err = %v, want BlockedError{no_op_action}", err)
	}
	if ex.HasActiveAction() {
		t.Error("noop must not occupy the active slot")
	}
}

func TestExecute_DisallowedActionBlocked(t *testing.T) {
	ex, rc, _, _ := newTestExecutor(t)

	// 50 is outside the [1,10] bounds.
	_, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(50)), types.MetricsSnapshot{})
	var blocked *BlockedError
	if !errors.As(err, &blocked) || blocked.Reason != BlockNotAllowed {
		t.Fatalf("err = %v, want BlockedError{not_allowed}", err)
	}
	if v, _ := rc.Param("max_retries"); func() float64 { f, _ := v.AsFloat(); return f }() != 3 {
		t.Error("disallowed action must leave runtime config untouched")
	}
}

func TestExecute_ScaleResource(t *testing.T) {
	ex, rc, _, _ := newTestExecutor(t)
	diag := &types.SelfDiagnosis{
		ID: "diag-scale",
		SuggestedAction: types.ScaleResource{
			Resource: "worker_pool",
			OldValue: 8,
			NewValue: 16,
		},
		Status: types.StatusApproved,
	}

	result, err := ex.Execute(diag, types.MetricsSnapshot{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Outcome != types.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", result.Outcome)
	}
	if v, _ := rc.Resource("worker_pool"); v != 16 {
		t.Errorf("worker_pool = %d, want 16", v)
	}
}

func TestExecute_UnknownParamIsFailedOutcome(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	al := ex.allow
	al.RegisterParam("ghost", allowlist.ParamBounds{Min: 0, Max: 100})

	result, err := ex.Execute(adjustDiag("ghost", types.IntValue(1), types.IntValue(2)), types.MetricsSnapshot{})
	if err == nil {
		t.Fatal("expected apply error for a param missing from runtime config")
	}
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		t.Fatalf("apply failure must be a hard error, got blocked(%s)", blocked.Reason)
	}
	if result == nil || result.Outcome != types.OutcomeFailed {
		t.Fatalf("result = %+v, want failed outcome", result)
	}
	if result.ErrorMessage == "" {
		t.Error("failed result should carry the error message")
	}
	if ex.HasActiveAction() {
		t.Error("failed action must not occupy the active slot")
	}
}

func TestRollback_RestoresOldValue(t *testing.T) {
	ex, rc, _, _ := newTestExecutor(t)

	result, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), types.MetricsSnapshot{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rolled, err := ex.RollbackByID(result.ActionID)
	if err != nil {
		t.Fatalf("RollbackByID: %v", err)
	}
	if rolled.Outcome != types.OutcomeRolledBack {
		t.Errorf("outcome = %s, want rolled_back", rolled.Outcome)
	}
	if v, _ := rc.Param("max_retries"); func() float64 { f, _ := v.AsFloat(); return f }() != 3 {
		t.Error("rollback must restore the pre-execution value")
	}
	if ex.HasActiveAction() {
		t.Error("rollback must release the active slot")
	}
}

func TestRollback_FailedActionRejected(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	ex.allow.RegisterParam("ghost", allowlist.ParamBounds{Min: 0, Max: 100})

	result, _ := ex.Execute(adjustDiag("ghost", types.IntValue(1), types.IntValue(2)), types.MetricsSnapshot{})
	if result == nil || result.Outcome != types.OutcomeFailed {
		t.Fatalf("setup: want failed result, got %+v", result)
	}

	if _, err := ex.RollbackByID(result.ActionID); err == nil {
		t.Fatal("rollback of a failed action must be rejected")
	}
}

func TestRollback_TwiceRejected(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)

	result, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), types.MetricsSnapshot{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := ex.RollbackByID(result.ActionID); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if _, err := ex.RollbackByID(result.ActionID); err == nil {
		t.Fatal("second rollback must be rejected")
	}
}

func TestRollback_UnknownActionRejected(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)
	if _, err := ex.RollbackByID("no-such-action"); err == nil {
		t.Fatal("unknown action id must be rejected")
	}
}

func TestClearActive_ReleasesSlot(t *testing.T) {
	ex, _, _, _ := newTestExecutor(t)

	result, err := ex.Execute(adjustDiag("max_retries", types.IntValue(3), types.IntValue(5)), types.MetricsSnapshot{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	active, ok := ex.ActiveAction()
	if !ok || active.ActionID != result.ActionID {
		t.Fatalf("active = %+v/%v, want %s", active, ok, result.ActionID)
	}

	ex.ClearActive(result.ActionID)
	if ex.HasActiveAction() {
		t.Error("ClearActive must release the slot")
	}
}
