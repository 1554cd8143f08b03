package concurrency

import (
	"fmt"
	"math/rand"
	"time"
)

// ============================================
// EXPONENTIAL BACKOFF
// Restart/retry timing shared by the supervisor (C8) and any component
// that calls an external dependency through a breaker (C5/C6/C7).
// ============================================

// BackoffConfig defines the configuration for exponential backoff.
type BackoffConfig struct {
	InitialDelay time.Duration // Starting delay
	MaxDelay     time.Duration // Maximum delay
	Multiplier   float64       // Delay multiplier
	Jitter       bool          // Add random jitter
	MaxRetries   int           // Maximum number of retries (-1 for unlimited)
}

// DefaultBackoffConfig returns a sensible default configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		MaxRetries:   10,
	}
}

// SupervisorBackoffConfig returns the restart-backoff configuration used
// by C8: 1s initial delay doubling to a 60s cap, no retry limit.
func SupervisorBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
		MaxRetries:   -1,
	}
}

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	config     BackoffConfig
	attempts   int
	lastDelay  time.Duration
	totalDelay time.Duration
}

// NewExponentialBackoff creates a new exponential backoff instance.
func NewExponentialBackoff(config BackoffConfig) *ExponentialBackoff {
	return &ExponentialBackoff{
		config:    config,
		attempts:  0,
		lastDelay: config.InitialDelay,
	}
}

// Reset resets the backoff state.
func (eb *ExponentialBackoff) Reset() {
	eb.attempts = 0
	eb.lastDelay = eb.config.InitialDelay
	eb.totalDelay = 0
}

// NextDelay calculates the next delay duration.
func (eb *ExponentialBackoff) NextDelay() time.Duration {
	if eb.config.MaxRetries >= 0 && eb.attempts >= eb.config.MaxRetries {
		return 0 // No more retries
	}

	delay := eb.lastDelay

	if eb.config.Jitter {
		jitterFactor := 0.75 + rand.Float64()*0.5 // +/-25%
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	if delay > eb.config.MaxDelay {
		delay = eb.config.MaxDelay
	}

	eb.lastDelay = time.Duration(float64(eb.lastDelay) * eb.config.Multiplier)
	if eb.lastDelay > eb.config.MaxDelay {
		eb.lastDelay = eb.config.MaxDelay
	}

	eb.attempts++
	eb.totalDelay += delay

	return delay
}

// Attempts returns the number of attempts made.
func (eb *ExponentialBackoff) Attempts() int {
	return eb.attempts
}

// TotalDelay returns the total delay accumulated.
func (eb *ExponentialBackoff) TotalDelay() time.Duration {
	return eb.totalDelay
}

// ShouldRetry returns true if another retry should be attempted.
func (eb *ExponentialBackoff) ShouldRetry() bool {
	if eb.config.MaxRetries < 0 {
		return true
	}
	return eb.attempts < eb.config.MaxRetries
}

// RetryWithBackoff executes fn with exponential backoff retry.
func RetryWithBackoff(fn func() error, config BackoffConfig) error {
	backoff := NewExponentialBackoff(config)

	var lastErr error
	for backoff.ShouldRetry() {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		delay := backoff.NextDelay()
		if delay == 0 {
			break
		}
		time.Sleep(delay)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", backoff.Attempts(), lastErr)
}

// AdaptiveBackoff adjusts backoff based on system load (C8 health signal).
type AdaptiveBackoff struct {
	baseBackoff *ExponentialBackoff
	loadFactor  float64
	lastAdjust  time.Time
}

// NewAdaptiveBackoff creates a new adaptive backoff.
func NewAdaptiveBackoff(config BackoffConfig) *AdaptiveBackoff {
	return &AdaptiveBackoff{
		baseBackoff: NewExponentialBackoff(config),
		loadFactor:  1.0,
		lastAdjust:  time.Now(),
	}
}

// NextDelay returns the next delay adjusted for system load.
func (ab *AdaptiveBackoff) NextDelay() time.Duration {
	baseDelay := ab.baseBackoff.NextDelay()
	adjustedDelay := time.Duration(float64(baseDelay) * ab.loadFactor)

	maxDelay := 5 * time.Minute
	if adjustedDelay > maxDelay {
		adjustedDelay = maxDelay
	}

	return adjustedDelay
}

// AdjustLoadFactor adjusts the backoff based on system metrics (0-100 scale).
func (ab *AdaptiveBackoff) AdjustLoadFactor(cpuUsage, memoryUsage float64) {
	loadPressure := (cpuUsage + memoryUsage) / 200.0

	ab.loadFactor = 1.0 + (loadPressure * 2.0)
	if ab.loadFactor < 0.5 {
		ab.loadFactor = 0.5
	}
	if ab.loadFactor > 3.0 {
		ab.loadFactor = 3.0
	}

	ab.lastAdjust = time.Now()
}

// Reset resets the adaptive backoff.
func (ab *AdaptiveBackoff) Reset() {
	ab.baseBackoff.Reset()
	ab.loadFactor = 1.0
}

// FailureRateTracker tracks failure rates over a rolling window.
type FailureRateTracker struct {
	failures    *AtomicCounter
	totalCalls  *AtomicCounter
	windowStart time.Time
	windowSize  time.Duration
}

// NewFailureRateTracker creates a new failure rate tracker.
func NewFailureRateTracker(windowSize time.Duration) *FailureRateTracker {
	return &FailureRateTracker{
		failures:    NewAtomicCounter(0),
		totalCalls:  NewAtomicCounter(0),
		windowStart: time.Now(),
		windowSize:  windowSize,
	}
}

// RecordCall records a call result.
func (frt *FailureRateTracker) RecordCall(success bool) {
	frt.totalCalls.Increment()
	if !success {
		frt.failures.Increment()
	}

	if time.Since(frt.windowStart) >= frt.windowSize {
		frt.failures.Store(0)
		frt.totalCalls.Store(0)
		frt.windowStart = time.Now()
	}
}

// FailureRate returns the current failure rate (0.0 to 1.0).
func (frt *FailureRateTracker) FailureRate() float64 {
	total := frt.totalCalls.Load()
	if total == 0 {
		return 0.0
	}

	failures := frt.failures.Load()
	return float64(failures) / float64(total)
}

// ShouldThrottle returns true if the failure rate indicates throttling.
func (frt *FailureRateTracker) ShouldThrottle(threshold float64) bool {
	return frt.FailureRate() > threshold
}
