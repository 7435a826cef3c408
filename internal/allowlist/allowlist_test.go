package allowlist

import (
	"testing"
	"time"

	"selftune/internal/types"
)

func testAllowlist() *Allowlist {
	a := New()
	a.RegisterParam("max_retries", ParamBounds{Min: 1, Max: 10, Step: 1})
	a.RegisterParam("timeout_ms", ParamBounds{Min: 100, Max: 30000})
	a.RegisterParam("log_level", ParamBounds{AllowedValues: []string{"debug", "info", "warn"}})
	a.RegisterResource("worker_pool", ResourceBounds{Min: 1, Max: 32})
	return a
}

func TestValidate_ParamWithinBounds(t *testing.T) {
	a := testAllowlist()
	err := a.Validate(types.AdjustParam{
		Key:      "max_retries",
		OldValue: types.IntValue(3),
		NewValue: types.IntValue(5),
	})
	if err != nil {
		t.Errorf("in-bounds adjust rejected: %v", err)
	}
}

func TestValidate_ParamOutOfBounds(t *testing.T) {
	a := testAllowlist()
	err := a.Validate(types.AdjustParam{
		Key:      "max_retries",
		OldValue: types.IntValue(3),
		NewValue: types.IntValue(50),
	})
	if err == nil {
		t.Error("max_retries=50 should be rejected for bounds [1,10]")
	}
}

func TestValidate_UnregisteredParamFailsClosed(t *testing.T) {
	a := testAllowlist()
	err := a.Validate(types.AdjustParam{
		Key:      "secret_knob",
		NewValue: types.IntValue(1),
	})
	if err == nil {
		t.Error("unregistered parameter should fail closed")
	}
}

func TestValidate_DurationParam(t *testing.T) {
	a := testAllowlist()
	if err := a.Validate(types.AdjustParam{Key: "timeout_ms", NewValue: types.DurationValue(5000)}); err != nil {
		t.Errorf("in-bounds duration rejected: %v", err)
	}
	if err := a.Validate(types.AdjustParam{Key: "timeout_ms", NewValue: types.DurationValue(50)}); err == nil {
		t.Error("below-minimum duration should be rejected")
	}
}

func TestValidate_StringParamAllowedSet(t *testing.T) {
	a := testAllowlist()
	if err := a.Validate(types.AdjustParam{Key: "log_level", NewValue: types.StringValue("warn")}); err != nil {
		t.Errorf("allowed string value rejected: %v", err)
	}
	if err := a.Validate(types.AdjustParam{Key: "log_level", NewValue: types.StringValue("trace")}); err == nil {
		t.Error("string value outside allowed set should be rejected")
	}
	// Numeric bounds with a string value and no allowed set fails closed.
	if err := a.Validate(types.AdjustParam{Key: "max_retries", NewValue: types.StringValue("many")}); err == nil {
		t.Error("non-numeric value against numeric bounds should be rejected")
	}
}

func TestValidate_Resource(t *testing.T) {
	a := testAllowlist()
	if err := a.Validate(types.ScaleResource{Resource: "worker_pool", OldValue: 4, NewValue: 8}); err != nil {
		t.Errorf("in-bounds scale rejected: %v", err)
	}
	if err := a.Validate(types.ScaleResource{Resource: "worker_pool", OldValue: 4, NewValue: 64}); err == nil {
		t.Error("out-of-bounds scale should be rejected")
	}
	if err := a.Validate(types.ScaleResource{Resource: "gpu_pool", OldValue: 0, NewValue: 1}); err == nil {
		t.Error("unregistered resource should fail closed")
	}
}

func TestValidate_NoOpRejected(t *testing.T) {
	a := testAllowlist()
	err := a.Validate(types.NoOp{Reason: "metrics inconclusive", RevisitAfter: time.Minute})
	if err == nil {
		t.Error("NoOp must not validate as executable")
	}
}
