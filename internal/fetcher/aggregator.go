package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/netclient"
)

// AggregatorOptions parameterise an HTTP rate-table aggregator.
type AggregatorOptions struct {
	Name     string
	RatesURL string
	Now      func() time.Time
}

// Aggregator serves many-provider exchange rates from a bulk table fetched on Reload.
type Aggregator struct {
	opts   AggregatorOptions
	client *netclient.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	table    market.RateSet
	loadedAt time.Time
}

// NewAggregator constructs an aggregator venue. The table is loaded lazily on first use.
func NewAggregator(opts AggregatorOptions, client *netclient.Client, logger zerolog.Logger) *Aggregator {
	if opts.Name == "" {
		opts.Name = "aggregator"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "aggregator_fetcher").Str("venue", opts.Name).Logger(),
	}
}

// Name returns the venue label.
func (a *Aggregator) Name() string { return a.opts.Name }

// Reload replaces the rate table. On failure the previous table stays in use.
func (a *Aggregator) Reload(ctx context.Context) error {
	if a.opts.RatesURL == "" {
		return errors.New("aggregator rates url not configured")
	}

	var payload ratesPayload
	if err := a.client.GetJSON(ctx, a.opts.RatesURL, &payload); err != nil {
		return fmt.Errorf("fetch rate table: %w", err)
	}

	table := make(market.RateSet)
	skipped := 0
	for _, row := range payload.Rates {
		rate, ok := row.toRate()
		if !ok {
			skipped++
			continue
		}
		key := market.PairKey{From: rate.From, To: rate.To}
		table[key] = append(table[key], rate)
	}
	for _, offers := range table {
		market.RankRates(offers)
	}

	a.mu.Lock()
	a.table = table
	a.loadedAt = a.opts.Now()
	a.mu.Unlock()

	a.logger.Info().Int("pairs", len(table)).Int("rows", len(payload.Rates)).Int("skipped", skipped).Msg("rate table reloaded")
	return nil
}

// LoadedAt reports when the table was last rebuilt.
func (a *Aggregator) LoadedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loadedAt
}

// Rate returns the ranked offers for from->to.
func (a *Aggregator) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	a.mu.RLock()
	loaded := a.table != nil
	a.mu.RUnlock()
	if !loaded {
		if err := a.Reload(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	offers := a.table[market.PairKey{From: normalizeCode(from), To: normalizeCode(to)}]
	if len(offers) == 0 {
		return nil, market.ErrNoData
	}
	out := make([]market.ExchangeRate, len(offers))
	copy(out, offers)
	return out, nil
}

// Universe is not offered by aggregators.
func (a *Aggregator) Universe(ctx context.Context) (map[string]float64, error) {
	return nil, market.ErrNoData
}

// Quote is not offered by aggregators.
func (a *Aggregator) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	return market.Quote{}, market.ErrNoData
}

type ratesPayload struct {
	Rates []rateRow `json:"rates"`
}

type rateRow struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Provider string          `json:"provider"`
	Give     decimal.Decimal `json:"give"`
	Receive  decimal.Decimal `json:"receive"`
	Reserve  decimal.Decimal `json:"reserve"`
	Min      decimal.Decimal `json:"min"`
	Max      decimal.Decimal `json:"max"`
}

func (r rateRow) toRate() (market.ExchangeRate, bool) {
	from, to := normalizeCode(r.From), normalizeCode(r.To)
	if from == "" || to == "" || from == to {
		return market.ExchangeRate{}, false
	}
	if !r.Give.IsPositive() || !r.Receive.IsPositive() {
		return market.ExchangeRate{}, false
	}
	rate, _ := r.Receive.Div(r.Give).Float64()
	reserve, _ := r.Reserve.Float64()
	giveMin, _ := r.Min.Float64()
	giveMax, _ := r.Max.Float64()
	return market.ExchangeRate{
		From:       from,
		To:         to,
		Rate:       rate,
		ProviderID: r.Provider,
		Reserve:    reserve,
		GiveMin:    giveMin,
		GiveMax:    giveMax,
	}, true
}

var (
	_ market.Venue    = (*Aggregator)(nil)
	_ market.Reloader = (*Aggregator)(nil)
)
