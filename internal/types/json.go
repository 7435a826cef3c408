package types

import (
	"encoding/json"
	"fmt"
)

// Persisted tagged unions use a {kind, payload} envelope so records survive
// round-trips through the store and the operator CLI.

type triggerEnvelope struct {
	Kind    MetricKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalTrigger encodes a TriggerMetric into its JSON envelope.
func MarshalTrigger(t TriggerMetric) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("nil trigger")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(triggerEnvelope{Kind: t.Metric(), Payload: payload})
}

// UnmarshalTrigger decodes a TriggerMetric from its JSON envelope.
func UnmarshalTrigger(data []byte) (TriggerMetric, error) {
	var env triggerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("trigger envelope: %w", err)
	}
	switch env.Kind {
	case MetricErrorRate:
		var t ErrorRateTrigger
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case MetricLatencyP95:
		var t LatencyTrigger
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	case MetricQualityScore:
		var t QualityTrigger
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", env.Kind)
	}
}

type actionEnvelope struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalAction encodes a SuggestedAction into its JSON envelope.
func MarshalAction(a SuggestedAction) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("nil action")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionEnvelope{Kind: a.ActionKind(), Payload: payload})
}

// UnmarshalAction decodes a SuggestedAction from its JSON envelope.
func UnmarshalAction(data []byte) (SuggestedAction, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("action envelope: %w", err)
	}
	switch env.Kind {
	case ActionAdjustParam:
		var a AdjustParam
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionScaleResource:
		var a ScaleResource
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	case ActionNoOp:
		var a NoOp
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", env.Kind)
	}
}
