package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/pkg/breaker"
	"github.com/c360/gpsgate/pkg/retry"
)

func fastPolicy() Policy {
	return Policy{
		Name: "test",
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
		Timeout: time.Second,
	}
}

func TestPolicyRetriesTransient(t *testing.T) {
	p := fastPolicy()

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.WrapTransient(stderrors.New("flaky"), "t", "op", "work")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicyDoesNotRetryInvalid(t *testing.T) {
	p := fastPolicy()

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.ErrDecode
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errors.ErrDecode)
}

func TestPolicyCancellationSurfacesAsOperationCancelled(t *testing.T) {
	p := fastPolicy()
	p.Retry.InitialDelay = 100 * time.Millisecond
	p.Retry.MaxDelay = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, func(ctx context.Context) error {
		return stderrors.New("always fails")
	})
	assert.ErrorIs(t, err, errors.ErrOperationCancelled)
}

func TestPolicyBreakerFastFail(t *testing.T) {
	b := breaker.New("test", breaker.Config{
		FailureRatio:  0.5,
		Window:        time.Minute,
		MinThroughput: 2,
		OpenDuration:  time.Minute,
	}, nil)

	p := fastPolicy()
	p.Breaker = b

	opErr := stderrors.New("broker down")
	err := p.Do(context.Background(), func(context.Context) error { return opErr })
	require.Error(t, err)

	// Breaker is now open; subsequent calls fail fast without invoking op
	require.Equal(t, breaker.Open, b.State())
	calls := 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestPolicyTimeoutBoundsAttempts(t *testing.T) {
	p := Policy{
		Name: "slow",
		Retry: retry.Config{
			MaxAttempts:  10,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Strategy:     retry.Linear,
		},
		Timeout: 80 * time.Millisecond,
	}

	calls := 0
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return stderrors.New("fail")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Less(t, calls, 10)
}

func TestDefaultPolicies(t *testing.T) {
	k := KafkaPolicy(nil)
	assert.Equal(t, 4, k.Retry.MaxAttempts)
	assert.Equal(t, time.Second, k.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, k.Retry.MaxDelay)
	assert.Equal(t, 30*time.Second, k.Timeout)

	pr := ProcessingPolicy()
	assert.Equal(t, 3, pr.Retry.MaxAttempts)
	assert.Equal(t, retry.Linear, pr.Retry.Strategy)
	assert.Nil(t, pr.Breaker)

	c := ConnectionPolicy(nil)
	assert.Equal(t, 6, c.Retry.MaxAttempts)
	assert.Equal(t, time.Duration(0), c.Timeout)
}
