package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSink = errors.New("sink unavailable")

type transition struct{ from, to State }

func newBreaker(t *testing.T, cfg Config) (*Breaker, *time.Time, *[]transition) {
	t.Helper()
	var changes []transition
	cfg.OnStateChange = func(_ string, from, to State) { changes = append(changes, transition{from, to}) }
	b, err := New("kafka", cfg)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now, &changes
}

func fail(context.Context) error    { return errSink }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _, changes := newBreaker(t, Config{MaxFailures: 3, Cooldown: time.Second})
	ctx := context.Background()

	for range 2 {
		assert.ErrorIs(t, b.Execute(ctx, fail), errSink)
	}
	require.NoError(t, b.Execute(ctx, succeed), "success resets the streak")
	for range 3 {
		assert.ErrorIs(t, b.Execute(ctx, fail), errSink)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *changes)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now, changes := newBreaker(t, Config{MaxFailures: 1, Cooldown: time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, fail), errSink)
	*now = now.Add(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// сбой пробного вызова снова размыкает
	require.ErrorIs(t, b.Execute(ctx, fail), errSink)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *changes)
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	b, _, _ := newBreaker(t, Config{MaxFailures: 1, Cooldown: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StaleGenerationIgnored(t *testing.T) {
	b, _, _ := newBreaker(t, Config{MaxFailures: 1, Cooldown: time.Second})
	ctx := context.Background()

	err := b.Execute(ctx, func(context.Context) error {
		b.Reset()
		b.mu.Lock()
		b.setState(StateOpen)
		b.setState(StateClosed)
		b.mu.Unlock()
		return errSink
	})
	assert.ErrorIs(t, err, errSink)
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().ConsecutiveFailures)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(5), cfg.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Cooldown)
	assert.Equal(t, uint32(1), cfg.SuccessThreshold)

	_, err := New("bad", Config{Cooldown: -time.Second})
	assert.Error(t, err)
}
