package learner

import (
	"math"

	"selftune/internal/types"
)

// Weights splits the reward across the monitored metrics. The weights are
// renormalized at computation time, so they only need to be relative.
type Weights struct {
	ErrorRate float64
	Latency   float64
	Quality   float64
}

// DefaultWeights returns the default reward weighting.
func DefaultWeights() Weights {
	return Weights{ErrorRate: 0.45, Latency: 0.35, Quality: 0.20}
}

// rewardInput bundles everything the pure reward computation needs.
// postSamples is the cumulative post-action invocation count, which may span
// more windows than the post snapshot itself.
type rewardInput struct {
	pre, post         types.MetricsSnapshot
	postSamples       uint64
	triggeredMetric   types.MetricKind
	weights           Weights
	triggerBoost      float64
	confidenceSamples uint64
}

// computeReward scores pre-vs-post metrics in [-1, 1]. Each component is the
// clamped relative improvement of its metric; the component matching the
// metric that triggered the diagnosis is boosted before the weights are
// renormalized. Identical inputs always produce the identical reward.
func computeReward(in rewardInput) types.NormalizedReward {
	breakdown := types.RewardBreakdown{
		ErrorRateComponent: improvementHigherWorse(in.pre.ErrorRate, in.post.ErrorRate),
		LatencyComponent:   improvementHigherWorse(in.pre.LatencyP95Ms, in.post.LatencyP95Ms),
	}

	wErr, wLat, wQual := in.weights.ErrorRate, in.weights.Latency, in.weights.Quality

	// Quality only participates when both windows carried a signal.
	hasQuality := in.pre.HasQuality() && in.post.HasQuality()
	if hasQuality {
		breakdown.QualityComponent = improvementLowerWorse(in.pre.QualityScore, in.post.QualityScore)
	} else {
		wQual = 0
	}

	boost := in.triggerBoost
	if boost <= 0 {
		boost = 1
	}
	switch in.triggeredMetric {
	case types.MetricErrorRate:
		wErr *= boost
	case types.MetricLatencyP95:
		wLat *= boost
	case types.MetricQualityScore:
		if hasQuality {
			wQual *= boost
		}
	}

	total := wErr + wLat + wQual
	var value float64
	if total > 0 {
		value = (wErr*breakdown.ErrorRateComponent +
			wLat*breakdown.LatencyComponent +
			wQual*breakdown.QualityComponent) / total
	}

	confidence := 1.0
	if in.confidenceSamples > 0 {
		confidence = math.Min(1, float64(in.postSamples)/float64(in.confidenceSamples))
	}

	return types.NormalizedReward{
		Value:      clamp(value),
		Breakdown:  breakdown,
		Confidence: confidence,
	}
}

// improvementHigherWorse scores a metric where lower is better: positive when
// post dropped below pre. A zero pre value can only stay flat or regress.
func improvementHigherWorse(pre, post float64) float64 {
	if pre == 0 {
		if post > 0 {
			return -1
		}
		return 0
	}
	return clamp((pre - post) / pre)
}

// improvementLowerWorse scores a metric where higher is better.
func improvementLowerWorse(pre, post float64) float64 {
	if pre == 0 {
		if post > 0 {
			return 1
		}
		return 0
	}
	return clamp((post - pre) / pre)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
