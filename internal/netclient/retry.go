package netclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRateLimitDelay caps the 429 backoff at one window span.
const maxRateLimitDelay = time.Minute

// retryPolicy picks the next delay by the kind of the last failure: 429s back
// off exponentially, everything else waits a fixed delay.
type retryPolicy struct {
	last        Kind
	rateLimited *backoff.ExponentialBackOff
	network     *backoff.ConstantBackOff
}

func newRetryPolicy(base, fixed time.Duration) *retryPolicy {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxRateLimitDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &retryPolicy{rateLimited: exp, network: backoff.NewConstantBackOff(fixed)}
}

func (p *retryPolicy) NextBackOff() time.Duration {
	if p.last == KindRateLimited {
		return p.rateLimited.NextBackOff()
	}
	return p.network.NextBackOff()
}

func (p *retryPolicy) Reset() {
	p.last = 0
	p.rateLimited.Reset()
	p.network.Reset()
}

var _ backoff.BackOff = (*retryPolicy)(nil)

// sleepTimer drives backoff through a SleepFunc so tests control time.
type sleepTimer struct {
	ctx   context.Context
	sleep SleepFunc
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	ch := make(chan time.Time, 1)
	t.c = ch
	go func() {
		if t.sleep(t.ctx, d) == nil {
			ch <- time.Now()
		}
	}()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

var _ backoff.Timer = (*sleepTimer)(nil)
