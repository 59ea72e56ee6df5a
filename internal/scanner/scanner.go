// Package scanner runs one discover, acquire, analyze pass under per-stage timeouts.
package scanner

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"arb-scanner/internal/market"
	"arb-scanner/internal/metrics"
	"arb-scanner/internal/pathfinder"
	"arb-scanner/internal/profit"
)

// ErrNoUniverse is returned when Scan is called before any universe was loaded.
var ErrNoUniverse = errors.New("scanner: universe not loaded")

// Status summarises how a scan ended.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusDiscoverTimeout Status = "discover_timeout"
	StatusAcquireTimeout  Status = "acquire_timeout"
	StatusAnalyzeTimeout  Status = "analyze_timeout"
	StatusScanTimeout     Status = "scan_timeout"
)

// Options configure an Orchestrator.
type Options struct {
	Base string

	DiscoverTimeout time.Duration
	AcquireTimeout  time.Duration
	AnalyzeTimeout  time.Duration
	ScanTimeout     time.Duration

	// FirstLegCap bounds how many base-quoted instruments seed discovery.
	FirstLegCap int
	// FetchCeiling is the absolute ceiling on concurrent quote fetches, whatever the pair cap.
	FetchCeiling int
	// YieldEvery is how many cycles ANALYZE evaluates between cooperative yields.
	YieldEvery int
	// AggregatorName labels the cross-venue leg.
	AggregatorName string

	Now func() time.Time
}

// Result is the outcome of one pass.
type Result struct {
	Status        Status
	Opportunities []market.Opportunity
	Cycles        int
	Requested     int
	Acquired      int
	Rates         int
	Evaluated     int
	Rejections    map[profit.Rejection]int
	PairCap       int
	CycleCap      int
	Duration      time.Duration
}

// TimedOut reports whether any stage, or the whole scan, ran out of time.
func (r Result) TimedOut() bool {
	return r.Status != StatusCompleted
}

// Orchestrator composes the path finder and the profit calculator over live venue data.
type Orchestrator struct {
	opts    Options
	finder  *pathfinder.Finder
	calc    *profit.Calculator
	primary market.Venue
	rates   market.Venue
	tuner   *Tuner
	logger  zerolog.Logger
}

// New constructs an Orchestrator. rates may be nil when no aggregator is configured.
func New(opts Options, finder *pathfinder.Finder, calc *profit.Calculator, primary, rates market.Venue, tuner *Tuner, logger zerolog.Logger) *Orchestrator {
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = 5 * time.Second
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 5 * time.Second
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 25 * time.Second
	}
	if opts.FetchCeiling <= 0 {
		opts.FetchCeiling = 50
	}
	if opts.YieldEvery <= 0 {
		opts.YieldEvery = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		opts:    opts,
		finder:  finder,
		calc:    calc,
		primary: primary,
		rates:   rates,
		tuner:   tuner,
		logger:  logger.With().Str("component", "scanner").Logger(),
	}
}

// Tuner exposes the adaptive caps.
func (o *Orchestrator) Tuner() *Tuner { return o.tuner }

// Scan runs DISCOVER -> ACQUIRE -> ANALYZE over u. Stage timeouts never surface
// as errors: they degrade to a partial or empty result with a matching Status.
// The returned error is non-nil only when ctx itself is cancelled or no
// universe was supplied.
func (o *Orchestrator) Scan(ctx context.Context, u *market.Universe) (Result, error) {
	start := o.opts.Now()
	pairCap, cycleCap := o.tuner.Caps()
	res := Result{Status: StatusCompleted, PairCap: pairCap, CycleCap: cycleCap, Rejections: map[profit.Rejection]int{}}

	if u == nil {
		return res, ErrNoUniverse
	}

	scanCtx, cancel := context.WithTimeout(ctx, o.opts.ScanTimeout)
	defer cancel()

	cycles, ok := o.discover(scanCtx, u, cycleCap)
	res.Cycles = len(cycles)
	if !ok {
		res.Status = StatusDiscoverTimeout
		return o.finish(ctx, scanCtx, start, res)
	}
	if len(cycles) == 0 {
		return o.finish(ctx, scanCtx, start, res)
	}

	quotes, rates, targets, acquired := o.acquire(scanCtx, cycles, pairCap)
	res.Requested = targets
	res.Acquired = len(quotes)
	res.Rates = len(rates)
	if !acquired {
		res.Status = StatusAcquireTimeout
	}

	opps, evaluated, analyzed := o.analyze(scanCtx, cycles, quotes, rates, res.Rejections)
	res.Opportunities = opps
	res.Evaluated = evaluated
	if !analyzed && res.Status == StatusCompleted {
		res.Status = StatusAnalyzeTimeout
	}

	return o.finish(ctx, scanCtx, start, res)
}

func (o *Orchestrator) finish(parent, scanCtx context.Context, start time.Time, res Result) (Result, error) {
	res.Duration = o.opts.Now().Sub(start)
	if err := parent.Err(); err != nil {
		return res, err
	}

	outer := errors.Is(scanCtx.Err(), context.DeadlineExceeded)
	if outer {
		res.Status = StatusScanTimeout
	}
	o.tuner.Observe(res.Duration, outer)
	pairCap, cycleCap := o.tuner.Caps()
	metrics.RecordScan(string(res.Status), res.Duration)
	metrics.SetCaps(pairCap, cycleCap)

	event := o.logger.Info()
	if res.TimedOut() {
		event = o.logger.Warn()
	}
	event.Str("status", string(res.Status)).
		Int("cycles", res.Cycles).
		Int("requested", res.Requested).
		Int("acquired", res.Acquired).
		Int("evaluated", res.Evaluated).
		Int("opportunities", len(res.Opportunities)).
		Dur("duration", res.Duration).
		Int("next_pair_cap", pairCap).
		Int("next_cycle_cap", cycleCap).
		Msg("scan finished")
	return res, nil
}

// discover reports false when the stage ran out of time; partial discoveries are dropped.
func (o *Orchestrator) discover(ctx context.Context, u *market.Universe, cycleCap int) ([]market.Cycle, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.DiscoverTimeout)
	defer cancel()

	cycles, err := o.finder.FindCycles(stageCtx, o.opts.Base, u, pathfinder.Caps{
		FirstLegs: o.opts.FirstLegCap,
		MaxCycles: cycleCap,
	})
	if err != nil {
		o.logger.Warn().Err(err).Msg("discovery aborted")
		return nil, false
	}
	return cycles, true
}

// fetchLimit is half the pair cap, at least one, never above the ceiling.
func (o *Orchestrator) fetchLimit(pairCap int) int64 {
	limit := pairCap / 2
	if limit < 1 {
		limit = 1
	}
	if limit > o.opts.FetchCeiling {
		limit = o.opts.FetchCeiling
	}
	return int64(limit)
}

// acquire fetches quotes for the instruments the cycles reference, plus
// aggregator rates for their intermediate pairs. Individual failures are
// skipped. On timeout outstanding fetches are cancelled and whatever completed
// is returned with ok=false.
func (o *Orchestrator) acquire(ctx context.Context, cycles []market.Cycle, pairCap int) (market.QuoteSet, market.RateSet, int, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.AcquireTimeout)
	defer cancel()

	symbols := prioritize(cycles, pairCap)
	var pairs []market.PairKey
	if o.rates != nil {
		pairs = intermediatePairs(cycles)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		quotes = make(market.QuoteSet, len(symbols))
		rates  = make(market.RateSet, len(pairs))
		sem    = semaphore.NewWeighted(o.fetchLimit(pairCap))
	)

	launched := true
	for _, symbol := range symbols {
		if err := sem.Acquire(stageCtx, 1); err != nil {
			launched = false
			break
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer sem.Release(1)
			q, err := o.primary.Quote(stageCtx, symbol)
			if err != nil {
				if !errors.Is(err, market.ErrNoData) && stageCtx.Err() == nil {
					o.logger.Debug().Err(err).Str("symbol", symbol).Msg("quote fetch failed")
				}
				return
			}
			if !q.Valid() {
				return
			}
			mu.Lock()
			quotes[symbol] = q
			mu.Unlock()
		}(symbol)
	}
	for _, pair := range pairs {
		if !launched {
			break
		}
		if err := sem.Acquire(stageCtx, 1); err != nil {
			launched = false
			break
		}
		wg.Add(1)
		go func(pair market.PairKey) {
			defer wg.Done()
			defer sem.Release(1)
			offers, err := o.rates.Rate(stageCtx, pair.From, pair.To)
			if err != nil || len(offers) == 0 {
				return
			}
			mu.Lock()
			rates[pair] = offers
			mu.Unlock()
		}(pair)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	completed := launched
	select {
	case <-done:
	case <-stageCtx.Done():
		completed = false
	}

	mu.Lock()
	defer mu.Unlock()
	outQuotes := make(market.QuoteSet, len(quotes))
	for k, v := range quotes {
		outQuotes[k] = v
	}
	outRates := make(market.RateSet, len(rates))
	for k, v := range rates {
		outRates[k] = v
	}
	if !completed {
		o.logger.Warn().Int("requested", len(symbols)).Int("acquired", len(outQuotes)).Msg("acquire stage timed out")
	}
	return outQuotes, outRates, len(symbols), completed
}

// analyze evaluates every cycle whose data is complete, yielding every
// YieldEvery cycles. On timeout the opportunities found so far are returned
// with ok=false. Results are sorted by profit, best first.
func (o *Orchestrator) analyze(ctx context.Context, cycles []market.Cycle, quotes market.QuoteSet, rates market.RateSet, rejections map[profit.Rejection]int) ([]market.Opportunity, int, bool) {
	stageCtx, cancel := context.WithTimeout(ctx, o.opts.AnalyzeTimeout)
	defer cancel()

	var opps []market.Opportunity
	evaluated := 0
	ok := true
	for i, cycle := range cycles {
		if i > 0 && i%o.opts.YieldEvery == 0 {
			runtime.Gosched()
			if stageCtx.Err() != nil {
				ok = false
				break
			}
		}

		if covered(cycle, quotes) {
			evaluated++
			opp, rej := o.calc.Compute(cycle, quotes)
			rejections[rej]++
			if rej == profit.Accepted {
				opps = append(opps, opp)
			}
		}

		if len(rates) > 0 && len(cycle.Legs) == 3 {
			path := cycle.Path()
			offers, found := rates[market.PairKey{From: path[1], To: path[2]}]
			if !found || !hasQuote(quotes, cycle.Legs[0].Symbol) || !hasQuote(quotes, cycle.Legs[2].Symbol) {
				continue
			}
			evaluated++
			opp, rej := o.calc.ComputeCross(cycle, quotes, offers, o.opts.AggregatorName)
			rejections[rej]++
			if rej == profit.Accepted {
				opps = append(opps, opp)
			}
		}
	}
	if ok && stageCtx.Err() != nil {
		ok = false
	}

	sort.SliceStable(opps, func(i, j int) bool { return opps[i].ProfitPercent > opps[j].ProfitPercent })
	return opps, evaluated, ok
}

// prioritize returns the distinct symbols referenced by cycles, most shared
// first, ties in first-seen order, truncated to pairCap.
func prioritize(cycles []market.Cycle, pairCap int) []string {
	counts := make(map[string]int)
	var order []string
	for _, c := range cycles {
		for _, leg := range c.Legs {
			if counts[leg.Symbol] == 0 {
				order = append(order, leg.Symbol)
			}
			counts[leg.Symbol]++
		}
	}
	if pairCap <= 0 || len(order) <= pairCap {
		return order
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	return order[:pairCap]
}

func intermediatePairs(cycles []market.Cycle) []market.PairKey {
	seen := make(map[market.PairKey]struct{})
	var pairs []market.PairKey
	for _, c := range cycles {
		if len(c.Legs) != 3 {
			continue
		}
		path := c.Path()
		key := market.PairKey{From: path[1], To: path[2]}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		pairs = append(pairs, key)
	}
	return pairs
}

func covered(c market.Cycle, quotes market.QuoteSet) bool {
	for _, leg := range c.Legs {
		if !hasQuote(quotes, leg.Symbol) {
			return false
		}
	}
	return true
}

func hasQuote(quotes market.QuoteSet, symbol string) bool {
	_, ok := quotes[symbol]
	return ok
}
