// Package breaker implements the safety circuit breaker that halts automated
// action after repeated failures. It is a three-state machine with a pure
// transition function wrapped in a mutex; both the analyzer and the executor
// consult it before doing anything.
//
// Transient-failure protection for remote collaborator calls is a separate
// concern handled by sony/gobreaker in internal/collab. This breaker exists
// because the safety gate needs exact consecutive-failure semantics and an
// operator-facing ForceReset that gobreaker does not expose.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed is normal operation.
	StateClosed State = iota
	// StateOpen means the breaker has tripped; no automated action proceeds.
	StateOpen
	// StateHalfOpen is probation after the reset timeout; a limited probe is
	// allowed through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker while closed.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in half-open
	// state required to close the breaker again.
	SuccessThreshold int
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Minute,
		SuccessThreshold: 2,
	}
}

// Breaker is the safety gate. The zero value is not usable; construct with New.
type Breaker struct {
	mu sync.Mutex

	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
	tripCount uint64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{cfg: cfg, state: StateClosed, now: time.Now}
}

// CanExecute reports whether automated action may proceed. While open, it
// returns false until the reset timeout elapses, at which point the breaker
// transitions to half-open and allows a probe.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess notes a successful automated action.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure notes a failed automated action. Reaching the failure
// threshold while closed trips the breaker; any failure while half-open
// reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// trip moves to open. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.tripCount++
}

// ForceReset unconditionally returns the breaker to closed. Operator
// override; never called by the loop itself.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a point-in-time view for the status/diagnostics surface.
type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TripCount           uint64    `json:"trip_count"`
}

// Snapshot returns the current breaker status.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		OpenedAt:            b.openedAt,
		TripCount:           b.tripCount,
	}
}
