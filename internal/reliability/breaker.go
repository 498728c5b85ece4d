// Package reliability wraps provider calls with the failure-handling
// machinery: per-provider circuit breakers, retries with exponential backoff,
// and in-flight request deduplication.
package reliability

import (
	"sync"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// breakerState represents the operational state of a per-provider breaker.
//
//	stateClosed   — normal operation; all requests pass through.
//	stateOpen     — provider is failing; requests are rejected immediately.
//	stateHalfOpen — recovery probing; a limited quota of trials is allowed.
type breakerState int

const (
	stateClosed   breakerState = 0
	stateOpen     breakerState = 1
	stateHalfOpen breakerState = 2
)

const latencyWindow = 50

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package-level defaults in providers/provider.go.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. A single success resets the count. Default: 5.
	FailureThreshold int

	// RecoveryTime is how long the breaker stays open before the next
	// availability check moves it to half-open. Default: 30s.
	RecoveryTime time.Duration

	// HalfOpenRequests is the number of trial calls allowed in half-open;
	// that many successes close the breaker, any failure reopens it.
	// Default: 2.
	HalfOpenRequests int
}

func (c *BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.BreakerFailureThreshold
}

func (c *BreakerConfig) recoveryTime() time.Duration {
	if c.RecoveryTime > 0 {
		return c.RecoveryTime
	}
	return providers.BreakerRecoveryTime
}

func (c *BreakerConfig) halfOpenRequests() int {
	if c.HalfOpenRequests > 0 {
		return c.HalfOpenRequests
	}
	return providers.BreakerHalfOpenRequests
}

// providerBreaker holds per-provider breaker state.
type providerBreaker struct {
	mu sync.Mutex

	state            breakerState
	consecutiveFails int
	lastFailureAt    time.Time // stamped when the breaker trips or a half-open trial fails
	halfOpenGranted  int       // trials handed out in the current half-open episode
	halfOpenSuccess  int       // trial successes in the current half-open episode

	// Rolling latency samples from successful calls, newest overwrites oldest.
	latencies [latencyWindow]int64
	latCount  int
	latNext   int
}

// CircuitBreaker manages independent breakers for each provider. It never
// performs I/O itself: callers ask Allow before executing and report the
// outcome with RecordSuccess / RecordFailure.
//
// Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker
	cfg      BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker with cfg. Breakers are created
// lazily per provider on first use.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerBreaker),
		cfg:      cfg,
	}
}

// Allow reports whether the named provider should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until RecoveryTime has elapsed since the stamped
//     failure; the availability check that finds it elapsed transitions to
//     half-open and grants the first trial.
//   - HalfOpen → true while fewer than HalfOpenRequests trials are granted.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pb := cb.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case stateClosed:
		return true

	case stateOpen:
		if time.Since(pb.lastFailureAt) >= cb.cfg.recoveryTime() {
			pb.state = stateHalfOpen
			pb.halfOpenGranted = 1
			pb.halfOpenSuccess = 0
			return true
		}
		return false

	case stateHalfOpen:
		if pb.halfOpenGranted < cb.cfg.halfOpenRequests() {
			pb.halfOpenGranted++
			return true
		}
		return false
	}

	return true
}

// RecordSuccess reports a successful call and its latency. In the closed
// state it resets the consecutive-failure counter; in half-open it counts
// toward the trial quota and closes the breaker once the quota of successes
// accumulates.
func (cb *CircuitBreaker) RecordSuccess(provider string, latencyMs int64) {
	pb := cb.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.recordLatency(latencyMs)

	switch pb.state {
	case stateHalfOpen:
		pb.halfOpenSuccess++
		if pb.halfOpenSuccess >= cb.cfg.halfOpenRequests() {
			pb.state = stateClosed
			pb.consecutiveFails = 0
			pb.halfOpenGranted = 0
			pb.halfOpenSuccess = 0
		}
	default:
		pb.consecutiveFails = 0
	}
}

// RecordFailure reports a failed call. In the closed state it increments the
// consecutive-failure counter and trips the breaker at the threshold; in
// half-open any failure immediately reopens and re-stamps the failure time.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pb := cb.get(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := time.Now()

	switch pb.state {
	case stateHalfOpen:
		pb.state = stateOpen
		pb.lastFailureAt = now
		pb.halfOpenGranted = 0
		pb.halfOpenSuccess = 0

	case stateClosed:
		pb.consecutiveFails++
		if pb.consecutiveFails >= cb.cfg.failureThreshold() {
			pb.state = stateOpen
			pb.lastFailureAt = now
		}

	case stateOpen:
		pb.lastFailureAt = now
	}
}

// StateLabel returns "closed", "open", or "half_open" for provider.
func (cb *CircuitBreaker) StateLabel(provider string) string {
	pb := cb.get(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerStatus is a point-in-time view of one provider's breaker, exported
// for stats and metrics.
type BreakerStatus struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// Snapshot returns the status of each tracked provider.
func (cb *CircuitBreaker) Snapshot() map[string]BreakerStatus {
	cb.mu.RLock()
	names := make([]string, 0, len(cb.breakers))
	for name := range cb.breakers {
		names = append(names, name)
	}
	cb.mu.RUnlock()

	out := make(map[string]BreakerStatus, len(names))
	for _, name := range names {
		pb := cb.get(name)
		pb.mu.Lock()
		out[name] = BreakerStatus{
			State:               stateLabel(pb.state),
			ConsecutiveFailures: pb.consecutiveFails,
			AvgLatencyMs:        pb.avgLatency(),
		}
		pb.mu.Unlock()
	}
	return out
}

func stateLabel(s breakerState) string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (pb *providerBreaker) recordLatency(ms int64) {
	pb.latencies[pb.latNext] = ms
	pb.latNext = (pb.latNext + 1) % latencyWindow
	if pb.latCount < latencyWindow {
		pb.latCount++
	}
}

func (pb *providerBreaker) avgLatency() float64 {
	if pb.latCount == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < pb.latCount; i++ {
		sum += pb.latencies[i]
	}
	return float64(sum) / float64(pb.latCount)
}

func (cb *CircuitBreaker) get(provider string) *providerBreaker {
	cb.mu.RLock()
	pb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pb, ok = cb.breakers[provider]; ok {
		return pb
	}
	pb = &providerBreaker{state: stateClosed}
	cb.breakers[provider] = pb
	return pb
}
