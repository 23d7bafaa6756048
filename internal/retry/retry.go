// ABOUTME: Exponential backoff with full jitter for transient remote calls.
// ABOUTME: Wraps avast/retry-go with a capped doubling delay drawn uniformly from [0, delay].

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 60 * time.Second
)

// Policy configures retries. MaxRetries counts retries after the first attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool

	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool

	Logger *logrus.Logger

	// draw returns a uniform value in [0, n]; overridden in tests
	draw func(n int64) int64
}

// DefaultPolicy returns 5 retries, 1s base delay, 60s cap, full jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Jitter:     true,
	}
}

// On returns a Retryable predicate matching any of targets via errors.Is.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// min(BaseDelay * 2^attempt, MaxDelay), redrawn from [0, delay] when Jitter is set.
func (p Policy) Backoff(attempt uint) time.Duration {
	delay := p.MaxDelay
	if attempt < 62 {
		factor := time.Duration(int64(1) << attempt)
		if p.BaseDelay <= time.Duration(math.MaxInt64)/factor {
			if scaled := p.BaseDelay * factor; p.MaxDelay <= 0 || scaled < p.MaxDelay {
				delay = scaled
			}
		}
	}
	if delay <= 0 {
		return 0
	}

	if p.Jitter {
		draw := p.draw
		if draw == nil {
			draw = func(n int64) int64 { return rand.Int64N(n + 1) }
		}
		delay = time.Duration(draw(int64(delay)))
	}
	return delay
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned when every attempt fails.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	attempts := uint(1)
	if p.MaxRetries > 0 {
		attempts += uint(p.MaxRetries)
	}

	err := retrygo.Do(
		func() error {
			value, err := fn(ctx)
			if err != nil {
				return err
			}
			result = value
			return nil
		},
		retrygo.Context(ctx),
		retrygo.Attempts(attempts),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(retryable),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Backoff(n)
		}),
		retrygo.OnRetry(func(n uint, err error) {
			if p.Logger == nil || n+1 >= attempts {
				return
			}
			p.Logger.WithError(err).WithFields(logrus.Fields{
				"attempt":     n + 1,
				"max_retries": p.MaxRetries,
			}).Warn("Retrying after transient error")
		}),
	)
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}
