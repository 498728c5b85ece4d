package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

const jitterFraction = 0.3

// RetryConfig tunes the retry handler. Zero values fall back to the
// package-level defaults in providers/provider.go.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// BaseDelay seeds the exponential backoff. Default: 200ms.
	BaseDelay time.Duration

	// Multiplier grows the delay between attempts. Default: 2.
	Multiplier float64

	// MaxDelay caps the computed delay. Default: 10s.
	MaxDelay time.Duration

	// Timeout bounds each individual attempt. Default: 30s.
	Timeout time.Duration
}

func (c *RetryConfig) attempts() int {
	if c.Attempts > 0 {
		return c.Attempts
	}
	return providers.RetryAttempts
}

func (c *RetryConfig) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return providers.RetryBaseDelay
}

func (c *RetryConfig) multiplier() float64 {
	if c.Multiplier > 1 {
		return c.Multiplier
	}
	return providers.RetryMultiplier
}

func (c *RetryConfig) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return providers.RetryMaxDelay
}

func (c *RetryConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return providers.CallTimeout
}

// Retrier runs a unit of work up to Attempts times, retrying only failures
// that IsRetryable classifies as transient.
type Retrier struct {
	cfg RetryConfig
}

// NewRetrier creates a Retrier with cfg.
func NewRetrier(cfg RetryConfig) *Retrier {
	return &Retrier{cfg: cfg}
}

// Do executes fn with a per-attempt timeout. Non-retryable errors propagate
// on first occurrence; exhausting attempts returns the last error unchanged,
// wrapped with the attempt count. The returned attempt count is how many
// times fn ran.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := r.cfg.attempts()

	var lastErr error
	for k := 1; k <= attempts; k++ {
		if k > 1 {
			select {
			case <-time.After(r.delay(k)):
			case <-ctx.Done():
				return k - 1, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.timeout())
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return k, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return k, err
		}
		if ctx.Err() != nil {
			return k, ctx.Err()
		}
	}

	return attempts, fmt.Errorf("retry: %d attempt(s) exhausted: %w", attempts, lastErr)
}

// delay computes the pause before attempt k (k ≥ 2): the exponential term
// capped at MaxDelay, plus jitter of up to 30% of that term.
func (r *Retrier) delay(k int) time.Duration {
	exp := float64(r.cfg.baseDelay()) * math.Pow(r.cfg.multiplier(), float64(k-1))
	if capped := float64(r.cfg.maxDelay()); exp > capped {
		exp = capped
	}
	jitter := rand.Float64() * jitterFraction * exp
	d := time.Duration(exp + jitter)
	if maxD := r.cfg.maxDelay(); d > maxD {
		d = maxD
	}
	return d
}

// IsRetryable reports whether err is worth another attempt.
//
//   - rate limiting (429) → retryable
//   - timeouts (context deadline, net.Error timeout, 408) → retryable
//   - 5xx / overload (including Anthropic's 529) → retryable
//   - other 4xx (bad request / auth — won't change) → not retryable
//   - anything unclassified → not retryable; it propagates on first occurrence
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 429 || status == 408:
			return true
		case status >= 500:
			return true
		default:
			return false
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return false
}

// ClassifyError converts an error into a short category string used in log
// fields and metrics labels.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
