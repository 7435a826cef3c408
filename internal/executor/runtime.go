package executor

import (
	"fmt"
	"sync"

	"selftune/internal/types"
)

// RuntimeConfig is the shared mutable configuration of the host system: the
// parameters and resource allocations the loop is allowed to tune. The host
// reads it on its request path; the executor is the only writer. All access
// goes through the lock so a half-applied action is never visible.
type RuntimeConfig struct {
	mu        sync.RWMutex
	params    map[string]types.ParamValue
	resources map[string]uint32
}

// NewRuntimeConfig creates runtime state seeded with initial values.
func NewRuntimeConfig(params map[string]types.ParamValue, resources map[string]uint32) *RuntimeConfig {
	rc := &RuntimeConfig{
		params:    make(map[string]types.ParamValue),
		resources: make(map[string]uint32),
	}
	for k, v := range params {
		rc.params[k] = v
	}
	for k, v := range resources {
		rc.resources[k] = v
	}
	return rc
}

// Param returns the current value of a parameter.
func (rc *RuntimeConfig) Param(key string) (types.ParamValue, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.params[key]
	return v, ok
}

// Resource returns the current allocation of a resource.
func (rc *RuntimeConfig) Resource(name string) (uint32, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.resources[name]
	return v, ok
}

// SetParam atomically replaces a parameter value and returns the previous
// one. Unknown keys fail; the executor only mutates what the host seeded.
func (rc *RuntimeConfig) SetParam(key string, value types.ParamValue) (types.ParamValue, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	old, ok := rc.params[key]
	if !ok {
		return types.ParamValue{}, fmt.Errorf("parameter %q not present in runtime config", key)
	}
	rc.params[key] = value
	return old, nil
}

// SetResource atomically replaces a resource allocation and returns the
// previous one.
func (rc *RuntimeConfig) SetResource(name string, value uint32) (uint32, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	old, ok := rc.resources[name]
	if !ok {
		return 0, fmt.Errorf("resource %q not present in runtime config", name)
	}
	rc.resources[name] = value
	return old, nil
}

// SnapshotParams returns a copy of all parameters, for the config command.
func (rc *RuntimeConfig) SnapshotParams() map[string]types.ParamValue {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]types.ParamValue, len(rc.params))
	for k, v := range rc.params {
		out[k] = v
	}
	return out
}

// SnapshotResources returns a copy of all resource allocations.
func (rc *RuntimeConfig) SnapshotResources() map[string]uint32 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]uint32, len(rc.resources))
	for k, v := range rc.resources {
		out[k] = v
	}
	return out
}
