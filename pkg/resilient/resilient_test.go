package resilient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

func fastPolicy() Policy {
	return Policy{
		RPS:              1000,
		Burst:            1000,
		MaxRetries:       3,
		Backoff:          time.Millisecond,
		BreakerThreshold: 3,
		BreakerCoolDown:  50 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	c := New("test", fastPolicy())
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoUnthrottledWithoutRate(t *testing.T) {
	t.Parallel()

	// A policy carrying only breaker settings must not block deliveries on a
	// zero-capacity bucket.
	c := New("test", Policy{
		BreakerThreshold: 5,
		BreakerCoolDown:  30 * time.Second,
	})
	calls := 0
	for i := 0; i < 3; i++ {
		err := c.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	c := New("test", fastPolicy())
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.KindTransient, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoDoesNotRetryValidation(t *testing.T) {
	t.Parallel()

	c := New("test", fastPolicy())
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.KindValidation, "bad request")
	})
	require.Error(t, err)
	require.Equal(t, errors.KindValidation, errors.KindOf(err))
	require.Equal(t, 1, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxRetries = 2
	policy.BreakerThreshold = 100
	c := New("test", policy)
	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New(errors.KindTransient, "still down")
	})
	require.Error(t, err)
	require.Equal(t, errors.KindTransient, errors.KindOf(err))
	require.Equal(t, 3, calls)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxRetries = 0
	c := New("test", policy)

	// Three consecutive failures open the breaker.
	for i := 0; i < 3; i++ {
		err := c.Do(context.Background(), func(ctx context.Context) error {
			return errors.New(errors.KindTransient, "down")
		})
		require.Error(t, err)
	}

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	require.Equal(t, errors.KindUnavailable, errors.KindOf(err))
	require.Equal(t, 0, calls)

	// After the cool-down a probe closes it again.
	time.Sleep(80 * time.Millisecond)
	err = c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoHonorsContextCancel(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.Backoff = time.Second
	c := New("test", policy)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Do(ctx, func(ctx context.Context) error {
		calls++
		return errors.New(errors.KindTransient, "slow")
	})
	require.Error(t, err)
	require.Equal(t, errors.KindDeadlineExceeded, errors.KindOf(err))
	require.Equal(t, 1, calls)
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	t.Parallel()

	policy := fastPolicy()
	policy.MaxRetries = 1
	policy.Backoff = time.Hour // would never finish without the hint
	c := New("test", policy)

	calls := 0
	start := time.Now()
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return WithRetryAfter(errors.New(errors.KindTransient, "429"), 10*time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Less(t, time.Since(start), time.Second)
}
