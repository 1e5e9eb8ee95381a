package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRunner(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRunner_FiresOnEachTick(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	r := &Runner{
		Name:     "sweep",
		Interval: 24 * time.Hour,
		Clock:    clock,
		Job: func(context.Context) error {
			calls.Add(1)
			return nil
		},
	}

	cancel, done := startRunner(t, r)
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, calls.Load())

	clock.Advance(24 * time.Hour)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	clock.Advance(24 * time.Hour)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, clock.TickerCount(), "ticker stopped on exit")
}

func TestRunner_RunImmediatelyAndSurvivesErrors(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	r := &Runner{
		Name:           "sweep",
		Interval:       time.Hour,
		Clock:          clock,
		RunImmediately: true,
		Job: func(context.Context) error {
			calls.Add(1)
			return errors.New("database unavailable")
		},
	}

	cancel, done := startRunner(t, r)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clock.TickerCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_RejectsInvalidConfig(t *testing.T) {
	err := (&Runner{Interval: time.Hour}).Run(context.Background())
	require.Error(t, err)

	err = (&Runner{Job: func(context.Context) error { return nil }}).Run(context.Background())
	require.Error(t, err)
}

func TestFakeClock_DropsTicksForSlowReceiver(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(time.Minute)

	clock.Advance(10 * time.Minute)

	select {
	case got := <-ticker.C():
		assert.Equal(t, time.Date(2024, time.June, 1, 0, 1, 0, 0, time.UTC), got)
	default:
		t.Fatal("expected a buffered tick")
	}
	select {
	case <-ticker.C():
		t.Fatal("expected extra ticks to be dropped")
	default:
	}
}
