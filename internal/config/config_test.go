package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"selftune/internal/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selftune.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Loop.IntervalSeconds != 300 || !cfg.Loop.AutoApprove {
		t.Errorf("loop defaults = %+v", cfg.Loop)
	}
	if cfg.Learner.ErrorRateWeight != 0.45 {
		t.Errorf("learner defaults = %+v", cfg.Learner)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
workspace: /srv/app
loop:
  interval_seconds: 60
monitor:
  error_rate_threshold_pct: 40
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/app" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.LoopInterval() != time.Minute {
		t.Errorf("interval = %v, want 1m", cfg.LoopInterval())
	}
	if cfg.Monitor.ErrorRateThresholdPct != 40 {
		t.Errorf("error threshold = %v, want 40", cfg.Monitor.ErrorRateThresholdPct)
	}
	// Untouched sections keep their defaults.
	if cfg.Monitor.LatencyThresholdPct != 25 {
		t.Errorf("latency threshold = %v, want default 25", cfg.Monitor.LatencyThresholdPct)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("breaker = %+v, want defaults", cfg.Breaker)
	}
}

func TestRuntimeParamsDecodeKinds(t *testing.T) {
	path := writeConfig(t, `
runtime:
  params:
    max_retries:
      kind: integer
      value: 3
    timeout_ms:
      kind: duration_ms
      value: 30000
    sampling_rate:
      kind: float
      value: 0.25
    tracing:
      kind: boolean
      value: true
  resources:
    worker_pool: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	params, err := cfg.RuntimeParams()
	if err != nil {
		t.Fatalf("RuntimeParams: %v", err)
	}
	if v := params["max_retries"]; v.Kind != types.ParamInteger || v.Integer != 3 {
		t.Errorf("max_retries = %+v", v)
	}
	if v := params["timeout_ms"]; v.Kind != types.ParamDurationMs || v.DurationMs != 30000 {
		t.Errorf("timeout_ms = %+v", v)
	}
	if v := params["sampling_rate"]; v.Kind != types.ParamFloat || v.Float != 0.25 {
		t.Errorf("sampling_rate = %+v", v)
	}
	if v := params["tracing"]; v.Kind != types.ParamBoolean || !v.Boolean {
		t.Errorf("tracing = %+v", v)
	}
	if cfg.RuntimeResources()["worker_pool"] != 8 {
		t.Errorf("resources = %+v", cfg.RuntimeResources())
	}
}

func TestRuntimeParamsRejectUnknownKind(t *testing.T) {
	path := writeConfig(t, `
runtime:
  params:
    bad:
      kind: complex
      value: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.RuntimeParams(); err == nil {
		t.Error("unknown param kind must be rejected")
	}
}

func TestBuildAllowlist(t *testing.T) {
	path := writeConfig(t, `
allowlist:
  params:
    max_retries:
      min: 1
      max: 10
      step: 1
  resources:
    worker_pool:
      min: 1
      max: 64
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	allow := cfg.BuildAllowlist()
	err = allow.Validate(types.AdjustParam{
		Key:      "max_retries",
		OldValue: types.IntValue(3),
		NewValue: types.IntValue(50),
	})
	if err == nil {
		t.Error("out-of-bounds value must be rejected")
	}
	err = allow.Validate(types.AdjustParam{
		Key:      "max_retries",
		OldValue: types.IntValue(3),
		NewValue: types.IntValue(5),
	})
	if err != nil {
		t.Errorf("in-bounds value rejected: %v", err)
	}
}

func TestSeverityParsing(t *testing.T) {
	path := writeConfig(t, `
loop:
  approval_min_severity: nonsense
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.ApprovalMinSeverity(); err == nil {
		t.Error("bad severity must be rejected")
	}

	if sev, err := Default().ApprovalMinSeverity(); err != nil || sev == nil || *sev != types.SeverityCritical {
		t.Errorf("default severity = %v, %v", sev, err)
	}
}

func TestApprovalSeverityNoneDisablesThreshold(t *testing.T) {
	path := writeConfig(t, `
loop:
  approval_min_severity: none
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sev, err := cfg.ApprovalMinSeverity()
	if err != nil {
		t.Fatalf("ApprovalMinSeverity: %v", err)
	}
	if sev != nil {
		t.Errorf("severity = %v, want nil for none", *sev)
	}
}
