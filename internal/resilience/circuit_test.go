package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable clock for breaker tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{Service: "test", Threshold: threshold, Cooldown: time.Minute})
	b.now = clock.now
	return b, clock
}

var errOverloaded = NewTransientError(errors.New("overloaded"), 529)

func fail(context.Context) (string, error) { return "", errOverloaded }
func succeed(context.Context) (string, error) { return "ok", nil }

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b, _ := newTestBreaker(3)

	got, err := Call(context.Background(), b, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for range 3 {
		_, err := Call(ctx, b, fail)
		assert.Same(t, errOverloaded, err)
	}
	assert.Equal(t, BreakerOpen, b.State())

	var called bool
	_, err := Call(ctx, b, func(context.Context) (string, error) {
		called = true
		return "", nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
	assert.False(t, IsTransient(err))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	_, _ = Call(ctx, b, fail)
	_, _ = Call(ctx, b, fail)
	_, _ = Call(ctx, b, succeed)
	_, _ = Call(ctx, b, fail)
	_, _ = Call(ctx, b, fail)

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1)

	_, err := Call(context.Background(), b, func(context.Context) (string, error) {
		return "", errors.New("invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(context.Context) (string, error)
		want  BreakerState
	}{
		{name: "probe succeeds", probe: succeed, want: BreakerClosed},
		{name: "probe fails", probe: fail, want: BreakerOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(1)
			ctx := context.Background()

			_, _ = Call(ctx, b, fail)
			require.Equal(t, BreakerOpen, b.State())

			clock.advance(time.Minute)
			assert.Equal(t, BreakerHalfOpen, b.State())

			_, _ = Call(ctx, b, tt.probe)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreaker_NilPassesThrough(t *testing.T) {
	got, err := Call(context.Background(), nil, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	b, _ := newTestBreaker(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = Call(ctx, b, fail)
				return
			}
			_, _ = Call(ctx, b, succeed)
		}()
	}
	wg.Wait()

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
