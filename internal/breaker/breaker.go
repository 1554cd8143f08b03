// Package breaker implements the circuit breaker (C5): a per-dependency
// guard that trips open after a run of failures, probes recovery after a
// cooldown, and closes again once enough probe calls succeed. C6
// (provider calls) and C7 (venue calls) each wrap their outbound calls in
// their own named Breaker instance rather than sharing global state.
package breaker

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the circuit breaker's current position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	Name             string
	FailureThreshold int           // failures inside FailureWindow before opening
	FailureWindow    time.Duration // how far back a failure still counts toward FailureThreshold
	RecoveryTimeout  time.Duration // cooldown before a half-open probe is allowed
	SuccessThreshold int           // successful probes needed to close from half-open
	ExpectedFailures []string      // substrings of errors that should not count as failures
}

func (c *Config) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = 60 * time.Second
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		// Half-open allows exactly one in-flight probe at a time (see
		// Allow/Record); SuccessThreshold=1 means that single probe
		// closes the breaker on its first success, matching the
		// resolution recorded in DESIGN.md for the half-open state.
		c.SuccessThreshold = 1
	}
}

// Decision is the outcome of asking a Breaker whether a call may proceed.
type Decision struct {
	Allowed bool
	RetryAt time.Time // meaningful only when Allowed is false
}

// Breaker is a single named circuit breaker instance.
type Breaker struct {
	mu              sync.Mutex
	name            string
	state           State
	failures        int
	windowStart     time.Time // when the current failure run started, for FailureWindow expiry
	successes       int
	lastFailTime    time.Time
	probeInFlight   bool // gates StateHalfOpen to exactly one concurrent probe
	forced          State
	isForced        bool
	cfg             Config
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg.setDefaults()
	return &Breaker{name: cfg.Name, state: StateClosed, cfg: cfg}
}

// Allow reports whether a call may proceed right now. Callers that get
// Allowed=false must not perform the call; they should surface Deny with
// RetryAt to their own caller.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isForced {
		if b.forced == StateOpen {
			return Decision{Allowed: false, RetryAt: b.lastFailTime.Add(b.cfg.RecoveryTimeout)}
		}
		return Decision{Allowed: true}
	}

	switch b.state {
	case StateClosed:
		return Decision{Allowed: true}
	case StateOpen:
		retryAt := b.lastFailTime.Add(b.cfg.RecoveryTimeout)
		if time.Now().Before(retryAt) {
			return Decision{Allowed: false, RetryAt: retryAt}
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		return Decision{Allowed: true}
	case StateHalfOpen:
		// Only one probe is ever in flight at a time: a second caller
		// arriving before the first probe's Record waits out the same
		// cooldown rather than piling more load onto a dependency that
		// has not yet proven it recovered.
		if b.probeInFlight {
			return Decision{Allowed: false, RetryAt: b.lastFailTime.Add(b.cfg.RecoveryTimeout)}
		}
		b.probeInFlight = true
		return Decision{Allowed: true}
	default:
		return Decision{Allowed: false, RetryAt: time.Now().Add(b.cfg.RecoveryTimeout)}
	}
}

// Call runs fn under the breaker's protection: it checks Allow, runs fn
// if permitted, and records the result.
func (b *Breaker) Call(fn func() error) error {
	d := b.Allow()
	if !d.Allowed {
		return fmt.Errorf("breaker %s open, retry at %s", b.name, d.RetryAt.Format(time.RFC3339))
	}

	err := fn()
	b.Record(err)
	return err
}

// Record reports the result of a call the breaker previously allowed.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isForced {
		return
	}

	failed := err != nil && !b.isExpected(err)

	switch b.state {
	case StateClosed:
		if failed {
			now := time.Now()
			if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.FailureWindow {
				b.failures = 0
				b.windowStart = now
			}
			b.failures++
			b.lastFailTime = now
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
			}
		} else {
			b.failures = 0
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if failed {
			b.state = StateOpen
			b.failures++
			b.lastFailTime = time.Now()
		} else {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
			}
		}
	}
}

func (b *Breaker) isExpected(err error) bool {
	msg := err.Error()
	for _, exp := range b.cfg.ExpectedFailures {
		if strings.Contains(msg, exp) {
			return true
		}
	}
	return false
}

// ForceOpen manually trips the breaker open regardless of failure count.
// Callers should record an AuditEntry ("breaker_force_open") through C1.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isForced = true
	b.forced = StateOpen
	b.lastFailTime = time.Now()
}

// ForceClose clears a manual override and resets the breaker to closed.
// Callers should record an AuditEntry ("breaker_force_close") through C1.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isForced = false
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isForced {
		return b.forced
	}
	return b.state
}

// Stats returns a snapshot suitable for health/metrics reporting.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.state
	if b.isForced {
		state = b.forced
	}
	return map[string]interface{}{
		"name":              b.name,
		"state":             state.String(),
		"failures":          b.failures,
		"successes":         b.successes,
		"last_failure":      b.lastFailTime,
		"failure_threshold": b.cfg.FailureThreshold,
		"failure_window":    b.cfg.FailureWindow,
		"recovery_timeout":  b.cfg.RecoveryTimeout,
		"forced":            b.isForced,
	}
}
