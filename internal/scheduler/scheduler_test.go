package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestNextAlignsToInterval(t *testing.T) {
	s, err := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), s.Next(now))

	onBoundary := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), s.Next(onBoundary))

	free, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), free.Next(now))
}

func TestRunTicksUntilCancelledAndSurvivesFailures(t *testing.T) {
	s, err := New(Options{Name: "reload", Interval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	err = s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if ticks.Add(1) >= 3 {
			cancel()
		}
		return errors.New("tick failed")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Millisecond, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run before the startup delay")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
