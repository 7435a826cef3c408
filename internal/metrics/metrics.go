// Package metrics exposes the loop's own health as Prometheus collectors:
// invocations observed, cycles run, triggers fired, actions taken, rewards
// earned, and the safety breaker state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// CycleHealthy labels cycles that found no drift.
	CycleHealthy = "healthy"
	// CycleActed labels cycles that executed an action.
	CycleActed = "acted"
	// CycleBlocked labels cycles gated off by a safety mechanism.
	CycleBlocked = "blocked"
	// CycleError labels cycles that failed.
	CycleError = "error"
)

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selftune",
			Name:      "invocations_total",
			Help:      "Tool invocations observed by the monitor, partitioned by success.",
		},
		[]string{"success"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selftune",
			Name:      "cycles_total",
			Help:      "Improvement cycles run, partitioned by result.",
		},
		[]string{"result"},
	)

	triggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selftune",
			Name:      "triggers_total",
			Help:      "Drift triggers fired, partitioned by metric and severity.",
		},
		[]string{"metric", "severity"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "selftune",
			Name:      "actions_total",
			Help:      "Corrective actions recorded, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	rewardValue = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "selftune",
			Name:      "reward",
			Help:      "Normalized reward of learned actions.",
			Buckets:   []float64{-1, -0.75, -0.5, -0.25, 0, 0.25, 0.5, 0.75, 1},
		},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "selftune",
			Name:      "breaker_state",
			Help:      "Safety breaker state: 0 closed, 1 open, 2 half-open.",
		},
	)

	cycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "selftune",
			Name:      "cycle_seconds",
			Help:      "Improvement cycle latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
		},
	)
)

// Register attaches the loop collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		invocationsTotal,
		cyclesTotal,
		triggersTotal,
		actionsTotal,
		rewardValue,
		breakerState,
		cycleSeconds,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns the exposition endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveInvocation counts one monitored invocation.
func ObserveInvocation(success bool) {
	label := "false"
	if success {
		label = "true"
	}
	invocationsTotal.WithLabelValues(label).Inc()
}

// ObserveCycle records a cycle's result and duration in seconds.
func ObserveCycle(result string, seconds float64) {
	cyclesTotal.WithLabelValues(result).Inc()
	if seconds < 0 {
		seconds = 0
	}
	cycleSeconds.Observe(seconds)
}

// ObserveTrigger counts one fired drift trigger.
func ObserveTrigger(metric, severity string) {
	triggersTotal.WithLabelValues(metric, severity).Inc()
}

// ObserveAction counts one recorded action outcome.
func ObserveAction(outcome string) {
	actionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReward records a learned reward value.
func ObserveReward(value float64) {
	rewardValue.Observe(value)
}

// SetBreakerState publishes the safety breaker state gauge.
func SetBreakerState(state float64) {
	breakerState.Set(state)
}
