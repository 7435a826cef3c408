// Package allowlist defines the static table of permitted ranges for
// adjustable parameters and scalable resources. It is the hard gate in front
// of the executor: anything not explicitly registered is rejected.
package allowlist

import (
	"fmt"

	"selftune/internal/types"
)

// ParamBounds is the permitted range for a runtime parameter. Bounds apply to
// the numeric interpretation of the value; string and boolean parameters use
// AllowedValues instead.
type ParamBounds struct {
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
	Step float64 `yaml:"step,omitempty" json:"step,omitempty"`
	// AllowedValues restricts non-numeric parameters to an explicit set.
	AllowedValues []string `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
}

// ResourceBounds is the permitted range for a countable resource.
type ResourceBounds struct {
	Min  uint32 `yaml:"min" json:"min"`
	Max  uint32 `yaml:"max" json:"max"`
	Step uint32 `yaml:"step,omitempty" json:"step,omitempty"`
}

// Allowlist maps parameter keys and resource names to their bounds.
type Allowlist struct {
	params    map[string]ParamBounds
	resources map[string]ResourceBounds
}

// New creates an empty allowlist. Everything fails closed until registered.
func New() *Allowlist {
	return &Allowlist{
		params:    make(map[string]ParamBounds),
		resources: make(map[string]ResourceBounds),
	}
}

// FromTables builds an allowlist from configured bounds tables.
func FromTables(params map[string]ParamBounds, resources map[string]ResourceBounds) *Allowlist {
	a := New()
	for k, b := range params {
		a.params[k] = b
	}
	for k, b := range resources {
		a.resources[k] = b
	}
	return a
}

// RegisterParam adds or replaces bounds for a parameter key.
func (a *Allowlist) RegisterParam(key string, bounds ParamBounds) {
	a.params[key] = bounds
}

// RegisterResource adds or replaces bounds for a resource.
func (a *Allowlist) RegisterResource(resource string, bounds ResourceBounds) {
	a.resources[resource] = bounds
}

// ParamBoundsFor returns the registered bounds for a key.
func (a *Allowlist) ParamBoundsFor(key string) (ParamBounds, bool) {
	b, ok := a.params[key]
	return b, ok
}

// ResourceBoundsFor returns the registered bounds for a resource.
func (a *Allowlist) ResourceBoundsFor(resource string) (ResourceBounds, bool) {
	b, ok := a.resources[resource]
	return b, ok
}

// Keys returns the registered parameter keys and resource names, for the
// diagnostics surface.
func (a *Allowlist) Keys() (params []string, resources []string) {
	for k := range a.params {
		params = append(params, k)
	}
	for k := range a.resources {
		resources = append(resources, k)
	}
	return params, resources
}

// Validate checks a suggested action against the registered bounds. It fails
// closed: unregistered keys, unregistered resources, and NoOp actions are all
// rejected. NoOp rejection is deliberate; the executor records NoOps through
// its own path and nothing may "execute" one.
func (a *Allowlist) Validate(action types.SuggestedAction) error {
	switch act := action.(type) {
	case types.AdjustParam:
		return a.validateParam(act)
	case types.ScaleResource:
		return a.validateResource(act)
	case types.NoOp:
		return fmt.Errorf("no-op actions are not executable")
	default:
		return fmt.Errorf("unknown action kind %q", action.ActionKind())
	}
}

func (a *Allowlist) validateParam(act types.AdjustParam) error {
	bounds, ok := a.params[act.Key]
	if !ok {
		return fmt.Errorf("parameter %q is not allowlisted", act.Key)
	}

	if num, isNumeric := act.NewValue.AsFloat(); isNumeric {
		if num < bounds.Min || num > bounds.Max {
			return fmt.Errorf("parameter %q value %s outside allowed range [%g, %g]",
				act.Key, act.NewValue, bounds.Min, bounds.Max)
		}
		return nil
	}

	// Non-numeric values require an explicit allowed set.
	if len(bounds.AllowedValues) == 0 {
		return fmt.Errorf("parameter %q has no allowed values for non-numeric kinds", act.Key)
	}
	candidate := act.NewValue.String()
	for _, v := range bounds.AllowedValues {
		if v == candidate {
			return nil
		}
	}
	return fmt.Errorf("parameter %q value %q not in allowed set", act.Key, candidate)
}

func (a *Allowlist) validateResource(act types.ScaleResource) error {
	bounds, ok := a.resources[act.Resource]
	if !ok {
		return fmt.Errorf("resource %q is not allowlisted", act.Resource)
	}
	if act.NewValue < bounds.Min || act.NewValue > bounds.Max {
		return fmt.Errorf("resource %q value %d outside allowed range [%d, %d]",
			act.Resource, act.NewValue, bounds.Min, bounds.Max)
	}
	return nil
}
