// Package resilience composes the gateway's retry, timeout, and circuit
// breaker behaviors into named policies. The publisher and the connection
// layer wrap their fallible operations in a policy rather than calling the
// retry or breaker primitives directly.
package resilience

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/pkg/breaker"
	"github.com/c360/gpsgate/pkg/retry"
)

// Policy wraps an operation with bounded retries, an overall wall-clock
// timeout, and an optional circuit breaker. A zero Timeout disables the
// deadline; a nil Breaker disables fast-fail.
type Policy struct {
	Name    string
	Retry   retry.Config
	Timeout time.Duration
	Breaker *breaker.Breaker
}

// KafkaPolicy returns the default policy for the broker publish path:
// 3 retries with exponential backoff 1s capped at 30s, a 30s overall
// deadline, and the supplied breaker.
func KafkaPolicy(b *breaker.Breaker) Policy {
	return Policy{
		Name: "kafka",
		Retry: retry.Config{
			MaxAttempts:  4, // first attempt + 3 retries
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Strategy:     retry.Exponential,
			AddJitter:    true,
		},
		Timeout: 30 * time.Second,
		Breaker: b,
	}
}

// ProcessingPolicy returns the default policy for in-pipeline message
// processing: 2 retries with a constant 500ms delay and a 10s deadline.
// No breaker; decode and validation failures are terminal drops.
func ProcessingPolicy() Policy {
	return Policy{
		Name: "processing",
		Retry: retry.Config{
			MaxAttempts:  3, // first attempt + 2 retries
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Strategy:     retry.Linear,
		},
		Timeout: 10 * time.Second,
	}
}

// ConnectionPolicy returns the default policy for socket bind and
// reconnect paths: 5 retries with exponential backoff 2s capped at 60s
// and the supplied breaker. No overall deadline; reconnects are bounded
// by attempt count alone.
func ConnectionPolicy(b *breaker.Breaker) Policy {
	return Policy{
		Name: "connection",
		Retry: retry.Config{
			MaxAttempts:  6, // first attempt + 5 retries
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Strategy:     retry.Exponential,
			AddJitter:    true,
		},
		Breaker: b,
	}
}

// ConnectionBreakerConfig returns the default breaker thresholds for the
// connection policy.
func ConnectionBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureRatio:  0.7,
		Window:        120 * time.Second,
		MinThroughput: 5,
		OpenDuration:  60 * time.Second,
	}
}

// Do runs op under the policy. The operation receives a context bounded by
// the policy timeout (when set); retries respect cancellation, invalid
// errors are never retried, and a cancelled parent context surfaces as
// errors.ErrOperationCancelled regardless of the underlying error.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	attempt := func() error {
		if p.Breaker != nil {
			return p.Breaker.Do(runCtx, op)
		}
		return op(runCtx)
	}

	err := retry.Do(runCtx, p.Retry, func() error {
		if err := runCtx.Err(); err != nil {
			return retry.NonRetryable(err)
		}
		err := attempt()
		if err == nil {
			return nil
		}
		// Breaker rejections and invalid inputs gain nothing from retrying
		// inside this policy invocation.
		if errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		if stderrors.Is(err, errors.ErrCircuitOpen) {
			return retry.NonRetryable(err)
		}
		return err
	})

	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.IsCancelled(err) {
		return errors.ErrOperationCancelled
	}
	return err
}

// Log emits the policy's effective parameters at startup.
func (p Policy) Log(logger *slog.Logger) {
	logger.Info("Resilience policy configured",
		"policy", p.Name,
		"max_attempts", p.Retry.MaxAttempts,
		"initial_delay", p.Retry.InitialDelay,
		"max_delay", p.Retry.MaxDelay,
		"strategy", p.Retry.Strategy.String(),
		"timeout", p.Timeout,
		"breaker", p.Breaker != nil)
}
