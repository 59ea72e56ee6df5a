// Package monitor runs the scan pipeline forever, deduplicating findings and
// recovering from sustained failure.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
	"arb-scanner/internal/metrics"
	"arb-scanner/internal/report"
	"arb-scanner/internal/scanner"
)

// ErrFatalInit is returned when collaborators cannot be built, at startup or after repeated failures.
var ErrFatalInit = errors.New("monitor: initialization failed")

// State is the supervisor's lifecycle position.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateReinitializing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateReinitializing:
		return "reinitializing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scanner runs one pass over a universe.
type Scanner interface {
	Scan(ctx context.Context, u *market.Universe) (scanner.Result, error)
}

// Loader produces a fresh universe, refreshing any rate tables on the way.
type Loader interface {
	Load(ctx context.Context) (*market.Universe, error)
}

// Collaborators are the long-lived handles a monitor owns between reinitializations.
type Collaborators struct {
	Scanner Scanner
	Loader  Loader
	// Cleanup purges expired cache entries after each iteration.
	Cleanup func() int
	// Close releases connections on teardown.
	Close func()
}

// Factory builds a fresh set of collaborators.
type Factory func(ctx context.Context) (*Collaborators, error)

// Closer is implemented by sinks that buffer and must be flushed on stop.
type Closer interface {
	Close(ctx context.Context) error
}

// Options configure the supervisor loop.
type Options struct {
	ScanInterval   time.Duration
	FailureBackoff time.Duration
	// MaxFailures consecutive failed iterations trigger a reinitialization.
	MaxFailures int
	// ReinitAttempts bounds how often a reinitialization is tried before stopping.
	ReinitAttempts int
	FlushTimeout   time.Duration
	Dedup          DeduperOptions

	Sleep func(ctx context.Context, d time.Duration) error
}

// Monitor drives the scanner until stopped.
type Monitor struct {
	opts    Options
	factory Factory
	sink    report.Sink
	dedup   *Deduper
	logger  zerolog.Logger

	state  atomic.Int32
	reload atomic.Bool

	mu         sync.Mutex
	collab     *Collaborators
	universe   *market.Universe
	last       scanner.Result
	iterations int
}

// New constructs a Monitor. sink may be nil when nothing should be reported.
func New(opts Options, factory Factory, sink report.Sink, logger zerolog.Logger) *Monitor {
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 5 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ReinitAttempts <= 0 {
		opts.ReinitAttempts = 1
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Monitor{
		opts:    opts,
		factory: factory,
		sink:    sink,
		dedup:   NewDeduper(opts.Dedup),
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State { return State(m.state.Load()) }

// RequestReload schedules a base-data reload at the next iteration boundary.
// It matches scheduler.TickFunc so a wall-clock scheduler can drive it.
func (m *Monitor) RequestReload(ctx context.Context, at time.Time) error {
	m.reload.Store(true)
	m.logger.Debug().Time("at", at).Msg("base data reload requested")
	return nil
}

// LastResult returns the most recent scan outcome and how many iterations completed.
func (m *Monitor) LastResult() (scanner.Result, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.iterations
}

// Run blocks until ctx is cancelled or collaborators cannot be rebuilt. It
// returns ctx.Err() on a clean stop and an ErrFatalInit-wrapped error otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	m.setState(StateInitializing)
	if err := m.initialize(ctx); err != nil {
		m.setState(StateStopped)
		return err
	}
	defer m.stop()
	m.setState(StateRunning)

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.iterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			metrics.RecordMonitorFailure()
			m.logger.Error().Err(err).Int("consecutive_failures", failures).Msg("iteration failed")

			if failures >= m.opts.MaxFailures {
				if err := m.reinitialize(ctx); err != nil {
					return err
				}
				failures = 0
				continue
			}
			if err := m.opts.Sleep(ctx, m.opts.FailureBackoff); err != nil {
				return err
			}
			continue
		}

		failures = 0
		m.cleanup()
		if m.opts.ScanInterval > 0 {
			if err := m.opts.Sleep(ctx, m.opts.ScanInterval); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) iterate(ctx context.Context) error {
	m.mu.Lock()
	collab, u := m.collab, m.universe
	m.mu.Unlock()

	if m.reload.CompareAndSwap(true, false) {
		fresh, err := collab.Loader.Load(ctx)
		if err != nil {
			m.reload.Store(true)
			return fmt.Errorf("reload base data: %w", err)
		}
		u = fresh
		m.mu.Lock()
		m.universe = fresh
		m.mu.Unlock()
	}

	res, err := collab.Scanner.Scan(ctx, u)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	reported := 0
	for _, opp := range res.Opportunities {
		if !m.dedup.Admit(opp) {
			metrics.RecordOpportunity(false)
			continue
		}
		metrics.RecordOpportunity(true)
		reported++
		if m.sink == nil {
			continue
		}
		if err := m.sink.Save(ctx, opp); err != nil {
			m.logger.Warn().Err(err).Str("id", opp.ID).Msg("report failed")
		}
	}

	m.mu.Lock()
	m.last = res
	m.iterations++
	m.mu.Unlock()

	if reported > 0 {
		m.logger.Info().Int("reported", reported).Int("found", len(res.Opportunities)).Str("status", string(res.Status)).Msg("opportunities reported")
	}
	return nil
}

func (m *Monitor) initialize(ctx context.Context) error {
	collab, err := m.factory(ctx)
	if err != nil {
		return fmt.Errorf("%w: build collaborators: %w", ErrFatalInit, err)
	}
	u, err := collab.Loader.Load(ctx)
	if err != nil {
		if collab.Close != nil {
			collab.Close()
		}
		return fmt.Errorf("%w: load base data: %w", ErrFatalInit, err)
	}

	m.mu.Lock()
	m.collab = collab
	m.universe = u
	m.mu.Unlock()
	m.reload.Store(false)
	return nil
}

// reinitialize tears collaborators down and rebuilds them.
func (m *Monitor) reinitialize(ctx context.Context) error {
	m.setState(StateReinitializing)
	m.logger.Warn().Int("max_failures", m.opts.MaxFailures).Msg("too many consecutive failures, reinitializing")
	m.teardown()

	var err error
	for attempt := 1; attempt <= m.opts.ReinitAttempts; attempt++ {
		if err = m.initialize(ctx); err == nil {
			m.setState(StateRunning)
			m.logger.Info().Int("attempt", attempt).Msg("reinitialized")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Error().Err(err).Int("attempt", attempt).Msg("reinitialization failed")
		if attempt < m.opts.ReinitAttempts {
			if serr := m.opts.Sleep(ctx, m.opts.FailureBackoff); serr != nil {
				return serr
			}
		}
	}
	return err
}

func (m *Monitor) cleanup() {
	m.mu.Lock()
	collab := m.collab
	m.mu.Unlock()

	purged := m.dedup.Cleanup()
	if collab != nil && collab.Cleanup != nil {
		purged += collab.Cleanup()
	}
	if purged > 0 {
		m.logger.Debug().Int("purged", purged).Msg("expired cache entries removed")
	}
}

func (m *Monitor) teardown() {
	m.mu.Lock()
	collab := m.collab
	m.collab = nil
	m.mu.Unlock()
	if collab != nil && collab.Close != nil {
		collab.Close()
	}
}

// stop flushes the sink and releases collaborators.
func (m *Monitor) stop() {
	if closer, ok := m.sink.(Closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
		if err := closer.Close(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("flushing reports failed")
		}
		cancel()
	}
	m.teardown()
	m.setState(StateStopped)
	m.logger.Info().Msg("monitor stopped")
}

func (m *Monitor) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state changed")
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
