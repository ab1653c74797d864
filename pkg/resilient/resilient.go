// Package resilient provides the outbound-call policy shared by every
// external service client: a token bucket, a circuit breaker, and a bounded
// retry loop with exponential backoff and jitter. One Caller is instantiated
// per external service and is safe for concurrent use.
package resilient

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/seismonet/go-seismonet/pkg/errors"
)

// Policy configures a Caller.
type Policy struct {
	// RPS and Burst shape the token bucket charged once per outbound attempt.
	// RPS <= 0 disables the bucket.
	RPS   float64
	Burst int
	// Timeout bounds a single attempt, not the whole retry loop.
	Timeout time.Duration
	// MaxRetries caps retries of Transient failures. 0 disables retries.
	MaxRetries int
	// Backoff is the base delay; attempt n waits Backoff*2^n plus jitter.
	Backoff time.Duration
	// BreakerThreshold consecutive failures open the breaker; it half-opens
	// after BreakerCoolDown and a single probe closes it.
	BreakerThreshold uint32
	BreakerCoolDown  time.Duration
}

// Caller executes outbound operations under a shared policy.
type Caller struct {
	log     zerolog.Logger
	service string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	policy  Policy
}

// New returns a Caller for the named external service.
func New(service string, policy Policy) *Caller {
	log := logger.With().
		Str("component", "resilient").
		Str("service", service).
		Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    service,
		Timeout: policy.BreakerCoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker state change")
		},
	})

	limit := rate.Inf
	burst := policy.Burst
	if policy.RPS > 0 {
		limit = rate.Limit(policy.RPS)
		if burst < 1 {
			burst = 1
		}
	}

	return &Caller{
		log:     log,
		service: service,
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
		policy:  policy,
	}
}

// Do runs op under the caller policy. The token bucket is charged before
// every attempt; waiting for a token past the context deadline fails with
// RateLimited. Transient failures are retried with backoff up to
// MaxRetries. While the breaker is open every call fails fast with
// Unavailable.
func (c *Caller) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoffDelay(attempt, lastErr)
			c.log.Debug().
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying after backoff")
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.KindDeadlineExceeded, ctx.Err(), "waiting to retry %s", c.service)
			case <-time.After(wait):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(errors.KindRateLimited, err, "token unavailable within deadline for %s", c.service)
			}
			return errors.Wrap(errors.KindInternal, err, "waiting for token")
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			attemptCtx := ctx
			if c.policy.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, c.policy.Timeout)
				defer cancel()
			}
			return nil, op(attemptCtx)
		})
		if err == nil {
			return nil
		}
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return errors.Wrap(errors.KindUnavailable, err, "%s breaker open", c.service)
		}
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindDeadlineExceeded, ctx.Err(), "calling %s", c.service)
		}
		if !errors.Retryable(err) {
			return err
		}
		lastErr = err
	}
	return errors.Wrap(errors.KindTransient, lastErr, "%s failed after %d retries", c.service, c.policy.MaxRetries)
}

func (c *Caller) backoffDelay(attempt int, lastErr error) time.Duration {
	// A server-provided Retry-After hint overrides the computed backoff.
	var ra *retryAfterError
	if stderrors.As(lastErr, &ra) && ra.after > 0 {
		return ra.after
	}
	base := c.policy.Backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return delay + jitter
}

type retryAfterError struct {
	after time.Duration
	err   error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.err, e.after)
}

func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter attaches a server-provided Retry-After hint to err so the
// retry loop honors it instead of its computed backoff.
func WithRetryAfter(err error, after time.Duration) error {
	return &retryAfterError{after: after, err: err}
}
