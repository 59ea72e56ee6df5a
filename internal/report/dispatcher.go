package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
	"arb-scanner/internal/metrics"
)

// ErrQueueFull is returned by Save when the buffer has no room; the opportunity is dropped.
var ErrQueueFull = errors.New("report: queue full")

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("report: dispatcher closed")

// DispatcherOptions size the delivery queue.
type DispatcherOptions struct {
	Buffer      int
	SaveTimeout time.Duration
}

// Dispatcher hands opportunities to every sink from one background worker.
// Save never blocks the caller; sink failures are logged and swallowed.
type Dispatcher struct {
	opts   DispatcherOptions
	sinks  []Sink
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan market.Opportunity
	done   chan struct{}
}

// NewDispatcher starts the delivery worker.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		opts:   opts,
		sinks:  sinks,
		logger: logger.With().Str("component", "report_dispatcher").Logger(),
		queue:  make(chan market.Opportunity, opts.Buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Name labels the dispatcher.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Save enqueues opp for delivery.
func (d *Dispatcher) Save(ctx context.Context, opp market.Opportunity) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- opp:
		return nil
	default:
		metrics.RecordSinkSave(d.Name(), "dropped")
		d.logger.Warn().Str("id", opp.ID).Str("cycle", opp.Cycle.String()).Msg("report queue full, dropping opportunity")
		return ErrQueueFull
	}
}

// Close stops accepting opportunities and waits until the queue is drained or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.logger.Warn().Int("pending", len(d.queue)).Msg("report queue not drained before deadline")
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for opp := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, opp)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, opp market.Opportunity) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SaveTimeout)
	defer cancel()

	name := sinkName(sink)
	if err := sink.Save(ctx, opp); err != nil {
		metrics.RecordSinkSave(name, "error")
		d.logger.Warn().Err(err).Str("sink", name).Str("id", opp.ID).Msg("sink save failed")
		return
	}
	metrics.RecordSinkSave(name, "ok")
}
