package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/infigaming-com/go-servicebus/bus/internal/backoff"
)

// RetryPolicy executes an operation, retrying failures accepted by IsTransient
// with exponential backoff. Non-transient failures return immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// IsTransient classifies retryable errors. Defaults to IsTransient.
	IsTransient func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		IsTransient:    IsTransient,
	}
}

// MinimalRetryPolicy is used for lookups that are expected to fail fast,
// such as the existence check before creating a subscription.
func MinimalRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
		IsTransient:    IsTransient,
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.IsTransient == nil {
		r.IsTransient = IsTransient
	}
	return r
}

// Execute runs op until it succeeds, fails permanently, exhausts the
// attempts, or ctx is done.
func (r RetryPolicy) Execute(ctx context.Context, op func(context.Context) error) error {
	policy := r.normalized()
	bo := backoff.New(backoff.Config{
		Initial:    policy.InitialBackoff,
		Max:        policy.MaxBackoff,
		Multiplier: policy.Multiplier,
		Jitter:     policy.Jitter,
	})
	var attempt int
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !policy.IsTransient(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("bus: retries exhausted after %d attempts: %w", attempt, err)
		}
		if sleepErr := backoff.Sleep(ctx, bo.Next()); sleepErr != nil {
			return fmt.Errorf("bus: retry interrupted: %w", err)
		}
	}
}

// executeValue is Execute for operations producing a value.
func executeValue[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := policy.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
