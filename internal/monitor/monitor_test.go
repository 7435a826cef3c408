package monitor

import (
	"sync"
	"testing"
	"time"

	"selftune/internal/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinSamplesPerCheck = 10
	cfg.MinBaselineSamples = 10
	return cfg
}

func record(m *Monitor, n int, success bool, latencyMs float64, quality *float64) {
	for i := 0; i < n; i++ {
		m.RecordInvocation(types.InvocationEvent{
			ToolName:     "search",
			LatencyMs:    latencyMs,
			Success:      success,
			QualityScore: quality,
			Timestamp:    time.Now(),
		})
	}
}

func TestCheckHealth_MinSampleGate(t *testing.T) {
	m := New(testConfig())
	record(m, 5, true, 100, nil)

	if report := m.CheckHealth(); report != nil {
		t.Fatal("expected nil report below minimum sample count")
	}
	if report := m.ForceCheck(); report == nil {
		t.Fatal("ForceCheck must bypass the minimum-sample gate")
	}
}

func TestCheckHealth_HealthySteadyState(t *testing.T) {
	m := New(testConfig())
	record(m, 100, true, 100, nil)

	report := m.CheckHealth()
	if report == nil {
		t.Fatal("expected a report")
	}
	if !report.IsHealthy {
		t.Errorf("steady traffic should be healthy, triggers: %v", report.Triggers)
	}
	if report.Current.SampleCount != 100 {
		t.Errorf("sample count = %d, want 100", report.Current.SampleCount)
	}
	if report.Current.ErrorRate != 0 {
		t.Errorf("error rate = %f, want 0", report.Current.ErrorRate)
	}
}

func TestCheckHealth_ErrorRateDrift(t *testing.T) {
	m := New(testConfig())

	// Learn a ~4% error-rate baseline, then drain the window.
	for i := 0; i < 200; i++ {
		record(m, 1, i%25 != 0, 100, nil)
	}
	m.CheckHealth()

	// A burst of failures: 50% error rate against a ~4% baseline.
	record(m, 25, true, 100, nil)
	record(m, 25, false, 100, nil)

	report := m.CheckHealth()
	if report == nil {
		t.Fatal("expected a report")
	}
	if report.IsHealthy {
		t.Fatal("error-rate burst should trigger")
	}

	var found *types.ErrorRateTrigger
	for _, trig := range report.Triggers {
		if et, ok := trig.(types.ErrorRateTrigger); ok {
			found = &et
		}
	}
	if found == nil {
		t.Fatalf("no error-rate trigger in %v", report.Triggers)
	}
	if found.Observed != 0.5 {
		t.Errorf("observed error rate = %f, want 0.5", found.Observed)
	}
	if sev := types.SeverityFromDeviation(found.DeviationPct()); sev != types.SeverityCritical {
		t.Errorf("severity = %v, want critical", sev)
	}
}

func TestCheckHealth_LatencyDrift(t *testing.T) {
	m := New(testConfig())

	record(m, 100, true, 100, nil)
	m.CheckHealth()

	record(m, 50, true, 300, nil)
	report := m.CheckHealth()
	if report == nil || report.IsHealthy {
		t.Fatal("latency spike should trigger")
	}

	foundLatency := false
	for _, trig := range report.Triggers {
		if lt, ok := trig.(types.LatencyTrigger); ok {
			foundLatency = true
			if lt.ObservedP95 != 300 {
				t.Errorf("observed p95 = %f, want 300", lt.ObservedP95)
			}
		}
	}
	if !foundLatency {
		t.Errorf("no latency trigger in %v", report.Triggers)
	}
}

func TestCheckHealth_QualityDrop(t *testing.T) {
	m := New(testConfig())

	good := 0.9
	record(m, 100, true, 100, &good)
	m.CheckHealth()

	bad := 0.4
	record(m, 50, true, 100, &bad)
	report := m.CheckHealth()
	if report == nil || report.IsHealthy {
		t.Fatal("quality drop should trigger")
	}

	foundQuality := false
	for _, trig := range report.Triggers {
		if _, ok := trig.(types.QualityTrigger); ok {
			foundQuality = true
		}
	}
	if !foundQuality {
		t.Errorf("no quality trigger in %v", report.Triggers)
	}
}

func TestCheckHealth_NoQualitySignalNoQualityTrigger(t *testing.T) {
	m := New(testConfig())
	record(m, 100, true, 100, nil)

	report := m.ForceCheck()
	for _, trig := range report.Triggers {
		if _, ok := trig.(types.QualityTrigger); ok {
			t.Error("quality trigger emitted without any quality signal")
		}
	}
	if report.Current.HasQuality() {
		t.Error("snapshot should report no quality signal")
	}
}

func TestCheckHealth_ResetsWindow(t *testing.T) {
	m := New(testConfig())
	record(m, 20, true, 100, nil)
	m.CheckHealth()

	if snap := m.Snapshot(); snap.SampleCount != 0 {
		t.Errorf("window not reset after check: %d samples", snap.SampleCount)
	}
}

func TestCheckHealth_ImmatureBaselineDoesNotTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.MinBaselineSamples = 1000
	m := New(cfg)

	record(m, 25, false, 500, nil)
	report := m.ForceCheck()
	if report == nil {
		t.Fatal("expected a report")
	}
	if !report.IsHealthy {
		t.Errorf("immature baselines must not trigger, got %v", report.Triggers)
	}
}

func TestRecordInvocation_Concurrent(t *testing.T) {
	m := New(testConfig())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				m.RecordInvocation(types.InvocationEvent{
					ToolName:  "search",
					LatencyMs: float64(50 + i%10),
					Success:   i%10 != 0,
					Timestamp: time.Now(),
				})
			}
		}(g)
	}
	wg.Wait()

	if m.TotalInvocations() != 2000 {
		t.Errorf("total invocations = %d, want 2000", m.TotalInvocations())
	}
	snap := m.Snapshot()
	if snap.SampleCount != 2000 {
		t.Errorf("window sample count = %d, want 2000", snap.SampleCount)
	}
	// 1 in 10 invocations fail.
	if snap.ErrorRate < 0.09 || snap.ErrorRate > 0.11 {
		t.Errorf("error rate = %f, want ~0.1", snap.ErrorRate)
	}
}

func TestP95(t *testing.T) {
	if got := p95(nil); got != 0 {
		t.Errorf("p95(nil) = %f, want 0", got)
	}
	if got := p95([]float64{42}); got != 42 {
		t.Errorf("p95 single = %f, want 42", got)
	}

	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1) // 1..100
	}
	if got := p95(values); got != 95 {
		t.Errorf("p95(1..100) = %f, want 95", got)
	}
}

func TestRestoreBaselines(t *testing.T) {
	m := New(testConfig())
	m.RestoreBaselines(map[types.MetricKind]types.BaselineSnapshot{
		types.MetricErrorRate:  {EMA: 0.04, SampleCount: 500},
		types.MetricLatencyP95: {EMA: 120, SampleCount: 500},
	})

	snaps := m.BaselineSnapshots()
	if snaps[types.MetricErrorRate].EMA != 0.04 {
		t.Errorf("restored error-rate EMA = %f, want 0.04", snaps[types.MetricErrorRate].EMA)
	}
	if snaps[types.MetricErrorRate].SampleCount != 500 {
		t.Errorf("restored sample count = %d, want 500", snaps[types.MetricErrorRate].SampleCount)
	}

	// A restored baseline is mature enough to trigger immediately.
	record(m, 20, false, 100, nil)
	report := m.ForceCheck()
	if report.IsHealthy {
		t.Error("100% error rate against restored 4% baseline should trigger")
	}
}
