package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/market"
	"arb-scanner/internal/scanner"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func opportunity(profit float64, symbols ...string) market.Opportunity {
	var legs []market.Instrument
	for _, s := range symbols {
		legs = append(legs, market.Instrument{Symbol: s})
	}
	return market.Opportunity{Cycle: market.Cycle{Base: "USDT", Legs: legs}, ProfitPercent: profit}
}

func TestDeduperSuppressesSmallChangesInsideWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := NewDeduper(DeduperOptions{Window: time.Minute, Delta: 0.2, Now: clock.Now})

	assert.True(t, d.Admit(opportunity(1.0, "A", "B", "C")))

	clock.now = clock.now.Add(10 * time.Second)
	assert.False(t, d.Admit(opportunity(1.1, "A", "B", "C")), "10% change is suppressed")

	assert.True(t, d.Admit(opportunity(1.25, "A", "B", "C")), "25% change is reported")
	assert.False(t, d.Admit(opportunity(1.3, "A", "B", "C")), "compared against the last reported value")

	assert.True(t, d.Admit(opportunity(1.0, "X", "B", "C")), "other cycles are independent")

	clock.now = clock.now.Add(2 * time.Minute)
	assert.True(t, d.Admit(opportunity(1.25, "A", "B", "C")), "window elapsed")
}

func TestDeduperKeepsVariantsApart(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := NewDeduper(DeduperOptions{Window: time.Minute, Delta: 0.2, Now: clock.Now})

	spot := opportunity(0.5, "ETHUSDT", "ETHBTC", "BTCUSDT")
	spot.Variant = "spot"
	cross := opportunity(0.8, "ETHUSDT", "ETHBTC", "BTCUSDT")
	cross.Variant = "cross"
	cross.ProviderID = "p1"

	assert.True(t, d.Admit(spot))
	assert.True(t, d.Admit(cross), "cross is not compared with spot")

	for scan := 0; scan < 3; scan++ {
		clock.now = clock.now.Add(5 * time.Second)
		assert.False(t, d.Admit(spot), "spot repeat suppressed, scan %d", scan)
		assert.False(t, d.Admit(cross), "cross repeat suppressed, scan %d", scan)
	}

	other := cross
	other.ProviderID = "p2"
	assert.True(t, d.Admit(other), "another provider is a separate opportunity")
	assert.Equal(t, 3, d.Len())
}

func TestDeduperExactDeltaIsReported(t *testing.T) {
	d := NewDeduper(DeduperOptions{Window: time.Minute, Delta: 0.2})
	assert.True(t, d.Admit(opportunity(2.5, "A", "B", "C")))
	assert.True(t, d.Admit(opportunity(3.0, "A", "B", "C")))
}

func TestDeduperCleanupForgetsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := NewDeduper(DeduperOptions{Window: time.Minute, Now: clock.Now})
	d.Admit(opportunity(1, "A", "B", "C"))
	d.Admit(opportunity(1, "D", "B", "C"))
	clock.now = clock.now.Add(time.Hour)
	assert.Equal(t, 2, d.Cleanup())
	assert.Zero(t, d.Len())
}

type scanFunc func(ctx context.Context, u *market.Universe) (scanner.Result, error)

func (f scanFunc) Scan(ctx context.Context, u *market.Universe) (scanner.Result, error) { return f(ctx, u) }

type loadFunc func(ctx context.Context) (*market.Universe, error)

func (f loadFunc) Load(ctx context.Context) (*market.Universe, error) { return f(ctx) }

type memorySink struct {
	mu      sync.Mutex
	saved   []market.Opportunity
	flushed bool
}

func (s *memorySink) Save(ctx context.Context, opp market.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, opp)
	return nil
}

func (s *memorySink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

func universe() *market.Universe {
	return market.NewUniverse(map[string]float64{"BTCUSDT": 1}, market.NewCodes([]string{"BTC", "USDT"}), time.Unix(0, 0))
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestMonitorReportsDedupedAndStopsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var scans atomic.Int32
	var cleanups atomic.Int32
	var closed atomic.Bool
	factory := func(ctx context.Context) (*Collaborators, error) {
		return &Collaborators{
			Loader: loadFunc(func(context.Context) (*market.Universe, error) { return universe(), nil }),
			Scanner: scanFunc(func(ctx context.Context, u *market.Universe) (scanner.Result, error) {
				if scans.Add(1) == 3 {
					cancel()
				}
				return scanner.Result{Status: scanner.StatusCompleted, Opportunities: []market.Opportunity{
					opportunity(1.0, "A", "B", "C"),
					opportunity(2.0, "D", "E", "F"),
				}}, nil
			}),
			Cleanup: func() int { cleanups.Add(1); return 0 },
			Close:   func() { closed.Store(true) },
		}, nil
	}
	sink := &memorySink{}
	m := New(Options{Sleep: noSleep, Dedup: DeduperOptions{Window: time.Hour}}, factory, sink, zerolog.Nop())

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, m.State())
	assert.Len(t, sink.saved, 2, "repeats inside the window are suppressed")
	assert.True(t, sink.flushed)
	assert.True(t, closed.Load())
	assert.GreaterOrEqual(t, cleanups.Load(), int32(2))

	_, iterations := m.LastResult()
	assert.Equal(t, 3, iterations)
}

func TestMonitorFatalWhenInitialBuildFails(t *testing.T) {
	boom := errors.New("dial failed")
	m := New(Options{Sleep: noSleep}, func(context.Context) (*Collaborators, error) { return nil, boom }, nil, zerolog.Nop())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatalInit)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateStopped, m.State())
}

func TestMonitorReinitializesAfterConsecutiveFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var builds, scans atomic.Int32
	var sleeps []time.Duration
	var mu sync.Mutex
	factory := func(context.Context) (*Collaborators, error) {
		builds.Add(1)
		return &Collaborators{
			Loader: loadFunc(func(context.Context) (*market.Universe, error) { return universe(), nil }),
			Scanner: scanFunc(func(ctx context.Context, u *market.Universe) (scanner.Result, error) {
				n := scans.Add(1)
				if n <= 3 {
					return scanner.Result{}, errors.New("venue unreachable")
				}
				cancel()
				return scanner.Result{Status: scanner.StatusCompleted}, nil
			}),
		}, nil
	}
	m := New(Options{
		MaxFailures:    3,
		FailureBackoff: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			sleeps = append(sleeps, d)
			mu.Unlock()
			return ctx.Err()
		},
	}, factory, nil, zerolog.Nop())

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), builds.Load(), "one rebuild after three failures")
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeps, "backoff between failures, not before reinit")
}

func TestMonitorStopsWhenReinitializationFails(t *testing.T) {
	var builds atomic.Int32
	factory := func(context.Context) (*Collaborators, error) {
		if builds.Add(1) > 1 {
			return nil, errors.New("still down")
		}
		return &Collaborators{
			Loader: loadFunc(func(context.Context) (*market.Universe, error) { return universe(), nil }),
			Scanner: scanFunc(func(context.Context, *market.Universe) (scanner.Result, error) {
				return scanner.Result{}, errors.New("broken")
			}),
		}, nil
	}
	sink := &memorySink{}
	m := New(Options{MaxFailures: 2, ReinitAttempts: 2, Sleep: noSleep}, factory, sink, zerolog.Nop())

	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrFatalInit)
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, int32(3), builds.Load(), "initial build plus two attempts")
	assert.True(t, sink.flushed)
}

func TestMonitorReloadsOnRequestAtIterationBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loads, scans atomic.Int32
	var m *Monitor
	factory := func(context.Context) (*Collaborators, error) {
		return &Collaborators{
			Loader: loadFunc(func(context.Context) (*market.Universe, error) {
				loads.Add(1)
				return universe(), nil
			}),
			Scanner: scanFunc(func(ctx context.Context, u *market.Universe) (scanner.Result, error) {
				switch scans.Add(1) {
				case 1:
					require.NoError(t, m.RequestReload(ctx, time.Now()))
				case 3:
					cancel()
				}
				return scanner.Result{Status: scanner.StatusCompleted}, nil
			}),
		}, nil
	}
	m = New(Options{Sleep: noSleep}, factory, nil, zerolog.Nop())

	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
	assert.Equal(t, int32(2), loads.Load(), "initial load plus one requested reload")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "reinitializing", StateReinitializing.String())
	assert.Equal(t, "unknown", State(42).String())
}
