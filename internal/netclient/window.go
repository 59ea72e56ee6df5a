package netclient

import (
	"context"
	"sync"
	"time"
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// WindowOptions parameterise the sliding-window limiter.
type WindowOptions struct {
	Limit int
	Span  time.Duration
	Poll  time.Duration
	Now   func() time.Time
	Sleep SleepFunc
}

// Window admits at most Limit calls in any Span-long interval. Callers over the
// limit re-check every Poll rather than computing an exact wake-up time.
type Window struct {
	opts   WindowOptions
	mu     sync.Mutex
	stamps []time.Time
}

// NewWindow constructs a limiter. A non-positive Limit disables limiting.
func NewWindow(opts WindowOptions) *Window {
	if opts.Span <= 0 {
		opts.Span = time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Window{opts: opts}
}

// Wait blocks until a slot is free, then claims it.
func (w *Window) Wait(ctx context.Context) error {
	if w.opts.Limit <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.tryClaim() {
			return nil
		}
		if err := w.opts.Sleep(ctx, w.opts.Poll); err != nil {
			return err
		}
	}
}

// Count returns the number of calls inside the current window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.opts.Now())
	return len(w.stamps)
}

func (w *Window) tryClaim() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.Now()
	w.prune(now)
	if len(w.stamps) >= w.opts.Limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// prune drops stamps older than Span. A stamp exactly Span old still shares a
// closed Span-long interval with now, so it is kept. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.opts.Span)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
