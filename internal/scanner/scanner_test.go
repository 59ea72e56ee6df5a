package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/market"
	"arb-scanner/internal/pathfinder"
	"arb-scanner/internal/profit"
)

// fakeVenue serves fixed quotes. Symbols in block hang until the caller gives up.
type fakeVenue struct {
	quotes map[string]market.Quote
	rates  map[market.PairKey][]market.ExchangeRate
	block  map[string]bool
	delay  time.Duration

	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) Universe(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(f.quotes))
	for s, q := range f.quotes {
		out[s] = q.Ask
	}
	return out, nil
}

func (f *fakeVenue) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	f.calls.Add(1)
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.block[symbol] {
		<-ctx.Done()
		return market.Quote{}, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return market.Quote{}, ctx.Err()
		}
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return market.Quote{}, market.ErrNoData
	}
	return q, nil
}

func (f *fakeVenue) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	offers, ok := f.rates[market.PairKey{From: from, To: to}]
	if !ok {
		return nil, market.ErrNoData
	}
	return offers, nil
}

func flat(symbol string, price float64) market.Quote {
	return market.Quote{Symbol: symbol, Bid: price, Ask: price, BidQty: 1e6, AskQty: 1e6}
}

func newOrchestrator(opts Options, primary, rates market.Venue, tuner *Tuner) *Orchestrator {
	if tuner == nil {
		tuner = NewTuner(TunerOptions{PairCap: 100, PairMax: 1000, CycleCap: 100, CycleMax: 1000})
	}
	calc := profit.New(profit.Options{Venue: "fake", StartAmount: 100, Commission: 0.001, MinProfitPercent: 0.1, MaxProfitPercent: 50})
	finder := pathfinder.New(pathfinder.Options{}, zerolog.Nop())
	opts.Base = "USDT"
	return New(opts, finder, calc, primary, rates, tuner, zerolog.Nop())
}

func scanFixture() (*fakeVenue, *market.Universe) {
	venue := &fakeVenue{quotes: map[string]market.Quote{
		"BTCUSDT": flat("BTCUSDT", 60000),
		"ETHUSDT": flat("ETHUSDT", 3000),
		"ETHBTC":  flat("ETHBTC", 0.052), // mispriced: ETH rich in BTC terms
		"SOLUSDT": flat("SOLUSDT", 150),
		"SOLBTC":  flat("SOLBTC", 0.00255),
	}}
	prices, _ := venue.Universe(context.Background())
	u := market.NewUniverse(prices, market.NewCodes([]string{"USDT", "BTC", "ETH", "SOL"}), time.Now())
	return venue, u
}

func TestScanFindsAndSortsOpportunities(t *testing.T) {
	venue, u := scanFixture()
	o := newOrchestrator(Options{}, venue, nil, nil)

	res, err := o.Scan(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.TimedOut())
	require.Len(t, res.Opportunities, 2)

	for i := 1; i < len(res.Opportunities); i++ {
		assert.GreaterOrEqual(t, res.Opportunities[i-1].ProfitPercent, res.Opportunities[i].ProfitPercent)
	}
	assert.Equal(t, []string{"ETHUSDT", "ETHBTC", "BTCUSDT"}, res.Opportunities[0].Cycle.Symbols())
	for _, opp := range res.Opportunities {
		assert.GreaterOrEqual(t, opp.ProfitPercent, 0.1)
	}
}

func TestScanFoundNothingIsNotATimeout(t *testing.T) {
	venue, u := scanFixture()
	venue.quotes["ETHBTC"] = flat("ETHBTC", 0.05)
	venue.quotes["SOLBTC"] = flat("SOLBTC", 0.0025)
	o := newOrchestrator(Options{}, venue, nil, nil)

	res, err := o.Scan(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Opportunities)
	assert.Positive(t, res.Evaluated)
}

func TestScanRequiresUniverse(t *testing.T) {
	venue, _ := scanFixture()
	o := newOrchestrator(Options{}, venue, nil, nil)
	_, err := o.Scan(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoUniverse)
}

func TestAcquireNeverExceedsConcurrencyCap(t *testing.T) {
	venue := &fakeVenue{quotes: map[string]market.Quote{}, delay: 2 * time.Millisecond}
	var cycles []market.Cycle
	for i := 0; i < 500; i += 2 {
		a := fmt.Sprintf("S%03d", i)
		b := fmt.Sprintf("S%03d", i+1)
		venue.quotes[a] = flat(a, 1)
		venue.quotes[b] = flat(b, 1)
		cycles = append(cycles, market.Cycle{Base: "USDT", Legs: []market.Instrument{{Symbol: a}, {Symbol: b}}})
	}

	o := newOrchestrator(Options{FetchCeiling: 50, AcquireTimeout: 30 * time.Second}, venue, nil, nil)
	quotes, _, requested, ok := o.acquire(context.Background(), cycles, 500)

	require.True(t, ok)
	assert.Equal(t, 500, requested)
	assert.Len(t, quotes, 500)
	assert.LessOrEqual(t, venue.peak.Load(), int32(50))
	assert.Equal(t, int32(500), venue.calls.Load())
}

func TestAcquireLimitIsHalfPairCapBelowCeiling(t *testing.T) {
	o := newOrchestrator(Options{FetchCeiling: 50}, &fakeVenue{}, nil, nil)
	assert.Equal(t, int64(10), o.fetchLimit(20))
	assert.Equal(t, int64(1), o.fetchLimit(1))
	assert.Equal(t, int64(50), o.fetchLimit(10_000))
}

func TestScanAcquireTimeoutAnalyzesCompletedHalf(t *testing.T) {
	venue, u := scanFixture()
	// the SOL cycle cannot complete: its quotes never arrive
	venue.block = map[string]bool{"SOLUSDT": true, "SOLBTC": true}
	o := newOrchestrator(Options{AcquireTimeout: 100 * time.Millisecond, ScanTimeout: 10 * time.Second}, venue, nil, nil)

	res, err := o.Scan(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, StatusAcquireTimeout, res.Status)
	assert.True(t, res.TimedOut())
	assert.Equal(t, 3, res.Acquired)
	require.NotEmpty(t, res.Opportunities)
	for _, opp := range res.Opportunities {
		for _, symbol := range opp.Cycle.Symbols() {
			assert.NotContains(t, []string{"SOLUSDT", "SOLBTC"}, symbol)
		}
	}
}

func TestScanOuterTimeoutShrinksCaps(t *testing.T) {
	venue, u := scanFixture()
	venue.block = map[string]bool{"BTCUSDT": true}
	tuner := NewTuner(TunerOptions{PairCap: 40, PairMin: 10, PairMax: 100, CycleCap: 80, CycleMin: 10, CycleMax: 200})
	o := newOrchestrator(Options{AcquireTimeout: 5 * time.Second, ScanTimeout: 80 * time.Millisecond}, venue, nil, tuner)

	res, err := o.Scan(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, StatusScanTimeout, res.Status)

	pairs, cycles := tuner.Caps()
	assert.Equal(t, 30, pairs)
	assert.Equal(t, 60, cycles)
}

func TestScanCallerCancellationIsReturned(t *testing.T) {
	venue, u := scanFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newOrchestrator(Options{}, venue, nil, nil)
	_, err := o.Scan(ctx, u)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanEvaluatesCrossVenueVariant(t *testing.T) {
	venue, u := scanFixture()
	venue.quotes["ETHBTC"] = flat("ETHBTC", 0.05)
	venue.quotes["SOLBTC"] = flat("SOLBTC", 0.0025)
	agg := &fakeVenue{rates: map[market.PairKey][]market.ExchangeRate{
		{From: "SOL", To: "BTC"}: {{From: "SOL", To: "BTC", Rate: 0.00265, ProviderID: "x1"}},
	}}
	o := newOrchestrator(Options{AggregatorName: "agg"}, venue, agg, nil)

	res, err := o.Scan(context.Background(), u)
	require.NoError(t, err)
	require.Len(t, res.Opportunities, 1)
	opp := res.Opportunities[0]
	assert.Equal(t, profit.VariantCross, opp.Variant)
	assert.Equal(t, "x1", opp.ProviderID)
	assert.Equal(t, "agg", opp.Legs[1].Venue)
	assert.Equal(t, 1, res.Rates)
}

func TestPrioritizeBySharedUse(t *testing.T) {
	mk := func(symbols ...string) market.Cycle {
		var legs []market.Instrument
		for _, s := range symbols {
			legs = append(legs, market.Instrument{Symbol: s})
		}
		return market.Cycle{Legs: legs}
	}
	cycles := []market.Cycle{mk("A", "B", "C"), mk("D", "B", "C"), mk("E", "F", "C")}

	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, prioritize(cycles, 10))
	assert.Equal(t, []string{"C", "B", "A"}, prioritize(cycles, 3))
}

func TestTunerBounds(t *testing.T) {
	tuner := NewTuner(TunerOptions{
		PairCap: 100, PairMin: 50, PairMax: 120,
		CycleCap: 10, CycleMin: 8, CycleMax: 12,
		Expensive: time.Second, Cheap: 100 * time.Millisecond,
	})

	tuner.Observe(2*time.Second, false)
	p, c := tuner.Caps()
	assert.Equal(t, 75, p)
	assert.Equal(t, 8, c)

	tuner.Observe(2*time.Second, false)
	p, c = tuner.Caps()
	assert.Equal(t, 56, p)
	assert.Equal(t, 8, c, "floor holds")

	for i := 0; i < 10; i++ {
		tuner.Observe(10*time.Millisecond, false)
	}
	p, c = tuner.Caps()
	assert.Equal(t, 120, p, "ceiling holds")
	assert.Equal(t, 12, c)

	tuner.Observe(500*time.Millisecond, false)
	p, _ = tuner.Caps()
	assert.Equal(t, 120, p, "mid-range duration leaves caps alone")

	tuner.Observe(0, true)
	p, _ = tuner.Caps()
	assert.Equal(t, 90, p, "outer timeout shrinks regardless of duration")
}

func TestAcquireReleasesPermitsOnCancel(t *testing.T) {
	venue := &fakeVenue{quotes: map[string]market.Quote{}, block: map[string]bool{}}
	var cycles []market.Cycle
	for i := 0; i < 20; i++ {
		s := fmt.Sprintf("X%02d", i)
		venue.block[s] = true
		cycles = append(cycles, market.Cycle{Legs: []market.Instrument{{Symbol: s}}})
	}
	o := newOrchestrator(Options{FetchCeiling: 4, AcquireTimeout: 50 * time.Millisecond}, venue, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _, ok := o.acquire(context.Background(), cycles, 8)
		assert.False(t, ok)
	}()
	wg.Wait()

	assert.Eventually(t, func() bool { return venue.current.Load() == 0 }, time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, venue.peak.Load(), int32(4))
}
