// Package resilience wraps AWS calls with retry, backoff, and adaptive
// concurrency control. It decides which errors are worth retrying, sleeps
// with full jitter between attempts, and signals the executor to shed
// concurrency during throttling storms.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vikyol/awsideman/pkg/metrics"
	"golang.org/x/time/rate"
)

// RetryPolicy defines retry behavior with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// Limiter, when set, paces calls to stay under AWS request limits.
	Limiter *rate.Limiter

	// OnThrottle is invoked for every throttling classification, feeding the
	// adaptive concurrency governor.
	OnThrottle func()

	// Logger for retry events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records attempts and backoffs. Optional.
	Metrics *metrics.RetryMetrics

	// OperationName labels metrics and log lines, e.g. "create_assignment".
	OperationName string
}

// DefaultRetryPolicy matches the configured defaults: 3 retries, 500ms base,
// factor 2, 30s cap, full jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}
}

// Do executes op with retry according to the policy. Retries happen only for
// errors classified as retriable (throttling, transient network, 5xx).
// Context cancellation is honored before each attempt and during backoff.
//
// The number of retries made (the zero-based index of the final attempt) is
// returned so callers can record it.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opName := p.OperationName
	if opName == "" {
		opName = "aws_call"
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return attempt, err
			}
		}

		start := time.Now()
		err := op(ctx)
		if p.Metrics != nil {
			p.Metrics.RecordAttempt(opName, outcomeLabel(err), Classify(err).String(), time.Since(start).Seconds())
		}
		if err == nil {
			if attempt > 0 {
				logger.Info("call succeeded after retry", "operation", opName, "attempt", attempt+1)
			}
			return attempt, nil
		}
		lastErr = err

		class := Classify(err)
		if class == ClassThrottling && p.OnThrottle != nil {
			p.OnThrottle()
		}
		if !class.Retriable() {
			logger.Debug("non-retriable error", "operation", opName, "class", class, "error", err)
			return attempt, err
		}
		if attempt >= p.MaxRetries {
			break
		}

		delay := p.backoff(attempt)
		logger.Warn("call failed, backing off",
			"operation", opName,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"class", class,
			"error", err,
		)
		if p.Metrics != nil {
			p.Metrics.RecordBackoff(opName, delay.Seconds())
		}
		if !sleepContext(ctx, delay) {
			return attempt, ctx.Err()
		}
	}

	return p.MaxRetries, fmt.Errorf("%s failed after %d attempts: %w", opName, p.MaxRetries+1, lastErr)
}

// backoff computes the delay before retry number attempt+1 using full jitter:
// a uniform draw from [0, min(cap, base*mult^attempt)).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	base := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		base *= p.Multiplier
	}
	if max := float64(p.MaxDelay); base > max {
		base = max
	}
	return time.Duration(rand.Float64() * base)
}

// sleepContext waits for d, returning false if ctx is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
