package collab

import (
	"fmt"
	"sort"
	"strings"

	"selftune/internal/allowlist"
	"selftune/internal/types"
)

const diagnosisSystemPrompt = `You are the diagnostic reasoner inside an autonomic tuning loop for a tool-serving system. You receive a health report with current metrics, learned baselines, and the triggers that fired. Respond with ONLY a JSON object:
{"description": "<one-paragraph diagnosis of the drift>", "suspected_cause": "<most likely root cause>"}`

const selectionSystemPrompt = `You are the action selector inside an autonomic tuning loop. Given a health report, a diagnosis, and the allowlisted tunables, choose ONE corrective action. Prefer the smallest change likely to help; choose a no-op when the evidence is weak. Respond with ONLY a JSON object:
{"action": {"kind": "adjust_param", "payload": {"key": "<tunable>", "old_value": <param value>, "new_value": <param value>}}, "rationale": "<why this action>"}
Param values are objects like {"kind": "integer", "integer": 5} or {"kind": "duration_ms", "duration_ms": 30000}.
Other kinds: {"kind": "scale_resource", "payload": {"resource": "<name>", "old_value": <n>, "new_value": <n>}} and {"kind": "no_op", "payload": {"reason": "<why>", "revisit_after": 3600000000000}}.
new_value MUST stay inside the stated bounds.`

const validationSystemPrompt = `You review a proposed corrective action against its diagnosis as a second opinion. Reject actions whose magnitude is out of proportion to the drift, or that do not address the suspected cause. Respond with ONLY a JSON object:
{"approved": true, "reason": "<one sentence>"}`

const synthesisSystemPrompt = `You distill what an executed corrective action taught an autonomic tuning loop. You receive the action's reward and the before/after metrics. Respond with ONLY a JSON object:
{"lessons": ["<short, general lesson>"], "future_recommendations": ["<what to try or avoid next time>"]}`

func buildDiagnosisPrompt(health *types.HealthReport, lessons []string) string {
	var b strings.Builder
	b.WriteString("Health report:\n")
	writeHealth(&b, health)
	writeLessons(&b, lessons)
	b.WriteString("\nDiagnose the drift.")
	return b.String()
}

func buildSelectionPrompt(health *types.HealthReport, diag *types.DiagnosisContent, allow *allowlist.Allowlist, lessons []string) string {
	var b strings.Builder
	b.WriteString("Health report:\n")
	writeHealth(&b, health)
	fmt.Fprintf(&b, "\nDiagnosis: %s\nSuspected cause: %s\n", diag.Description, diag.SuspectedCause)

	b.WriteString("\nAllowlisted tunables:\n")
	paramKeys, resourceKeys := allow.Keys()
	sort.Strings(paramKeys)
	sort.Strings(resourceKeys)
	for _, key := range paramKeys {
		bounds, _ := allow.ParamBoundsFor(key)
		if len(bounds.AllowedValues) > 0 {
			fmt.Fprintf(&b, "- param %s: one of %s\n", key, strings.Join(bounds.AllowedValues, ", "))
			continue
		}
		fmt.Fprintf(&b, "- param %s: [%g, %g]", key, bounds.Min, bounds.Max)
		if bounds.Step > 0 {
			fmt.Fprintf(&b, " step %g", bounds.Step)
		}
		b.WriteString("\n")
	}
	for _, key := range resourceKeys {
		bounds, _ := allow.ResourceBoundsFor(key)
		fmt.Fprintf(&b, "- resource %s: [%d, %d]\n", key, bounds.Min, bounds.Max)
	}

	writeLessons(&b, lessons)
	b.WriteString("\nSelect one corrective action.")
	return b.String()
}

func buildValidationPrompt(action types.SuggestedAction, diag *types.SelfDiagnosis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagnosis (%s): %s\n", diag.Severity, diag.Description)
	if diag.SuspectedCause != "" {
		fmt.Fprintf(&b, "Suspected cause: %s\n", diag.SuspectedCause)
	}
	if diag.Trigger != nil {
		fmt.Fprintf(&b, "Trigger: %s\n", diag.Trigger.Describe())
	}
	fmt.Fprintf(&b, "Proposed action: %s\n", action.Describe())
	b.WriteString("\nShould this action run?")
	return b.String()
}

func buildSynthesisPrompt(outcome *types.LearningOutcome, diag *types.SelfDiagnosis) string {
	var b strings.Builder
	if diag != nil {
		fmt.Fprintf(&b, "Diagnosis: %s\n", diag.Description)
		if diag.SuggestedAction != nil {
			fmt.Fprintf(&b, "Action taken: %s\n", diag.SuggestedAction.Describe())
		}
	}
	fmt.Fprintf(&b, "Reward: %.3f (confidence %.2f)\n", outcome.Reward.Value, outcome.Reward.Confidence)
	fmt.Fprintf(&b, "Components: error_rate %.3f, latency %.3f, quality %.3f\n",
		outcome.Reward.Breakdown.ErrorRateComponent,
		outcome.Reward.Breakdown.LatencyComponent,
		outcome.Reward.Breakdown.QualityComponent)
	fmt.Fprintf(&b, "Post-action metrics: error_rate %.4f, p95 %.1fms, quality %.3f (%d samples)\n",
		outcome.PostMetrics.ErrorRate, outcome.PostMetrics.LatencyP95Ms,
		outcome.PostMetrics.QualityScore, outcome.PostMetrics.SampleCount)
	b.WriteString("\nWhat did this teach the loop?")
	return b.String()
}

func writeHealth(b *strings.Builder, health *types.HealthReport) {
	cur := health.Current
	fmt.Fprintf(b, "- current: error_rate %.4f, p95 %.1fms, quality %.3f (%d samples)\n",
		cur.ErrorRate, cur.LatencyP95Ms, cur.QualityScore, cur.SampleCount)
	for metric, baseline := range health.Baselines {
		fmt.Fprintf(b, "- baseline %s: ema %.4f, rolling %.4f (%d samples)\n",
			metric, baseline.EMA, baseline.RollingAvg, baseline.SampleCount)
	}
	for _, t := range health.Triggers {
		fmt.Fprintf(b, "- TRIGGER [%s]: %s\n",
			types.SeverityFromDeviation(t.DeviationPct()), t.Describe())
	}
}

func writeLessons(b *strings.Builder, lessons []string) {
	if len(lessons) == 0 {
		return
	}
	b.WriteString("\nLessons from previous cycles:\n")
	for _, lesson := range lessons {
		fmt.Fprintf(b, "- %s\n", lesson)
	}
}
