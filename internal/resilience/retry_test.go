package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func throttlingErr() error {
	return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
}

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetryPolicy_SucceedsAfterThrottling(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return throttlingErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, attempts)
}

func TestRetryPolicy_NonRetriableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ConflictIsNotRetried(t *testing.T) {
	calls := 0
	_, err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "ConflictException", Message: "assignment exists"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassConflict, Classify(err))
}

func TestRetryPolicy_ExhaustsRetries(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return throttlingErr()
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls) // initial + 3 retries
	assert.Equal(t, 3, attempts)
	assert.Equal(t, ClassThrottling, Classify(errors.Unwrap(err)))
}

func TestRetryPolicy_OnThrottleHook(t *testing.T) {
	throttles := 0
	p := fastPolicy()
	p.OnThrottle = func() { throttles++ }

	_, err := p.Do(context.Background(), func(ctx context.Context) error {
		return throttlingErr()
	})
	require.Error(t, err)
	assert.Equal(t, 4, throttles)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Hour, // only cancellation can end the backoff
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Do(ctx, func(ctx context.Context) error {
		return throttlingErr()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
	}

	// Full jitter: each delay is uniform in [0, base*2^attempt), capped.
	for attempt := 0; attempt < 10; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}
