// ABOUTME: Unit tests for the exponential backoff retry policy.
// ABOUTME: Covers delay computation, jitter bounds, retry exhaustion, and predicates.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
	}
}

func TestBackoff_DoublesUntilCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	assert.Equal(t, 1*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(100))
}

func TestBackoff_FullJitterDrawsWithinRange(t *testing.T) {
	var bounds []int64
	p := Policy{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    true,
		draw: func(n int64) int64 {
			bounds = append(bounds, n)
			return n / 2
		},
	}

	assert.Equal(t, 2*time.Second, p.Backoff(2))
	require.Len(t, bounds, 1)
	assert.Equal(t, int64(4*time.Second), bounds[0])
}

func TestBackoff_DefaultJitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}

	for i := 0; i < 200; i++ {
		d := p.Backoff(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsFinalErrorWhenExhausted(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}

func TestDo_ZeroRetriesCallsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(0), func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnNonRetryableError(t *testing.T) {
	fatal := errors.New("fatal")
	p := fastPolicy(5)
	p.Retryable = On(errTransient)

	calls := 0
	_, err := Do(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 0, fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestDo_HonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, errTransient
		})
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
	assert.LessOrEqual(t, calls, 1)
}

func TestOn(t *testing.T) {
	other := errors.New("other")
	match := On(errTransient)

	assert.True(t, match(errTransient))
	assert.True(t, match(errors.Join(other, errTransient)))
	assert.False(t, match(other))
}
