package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arb-scanner/internal/market"
)

// RateBook merges several rate venues into one ranked offer list per pair.
type RateBook struct {
	name   string
	venues []market.Venue
	logger zerolog.Logger
}

// NewRateBook combines venues under one name.
func NewRateBook(name string, logger zerolog.Logger, venues ...market.Venue) *RateBook {
	if name == "" {
		name = "ratebook"
	}
	return &RateBook{
		name:   name,
		venues: venues,
		logger: logger.With().Str("component", "ratebook").Logger(),
	}
}

// Name returns the book label.
func (b *RateBook) Name() string { return b.name }

// Venues returns the merged venues.
func (b *RateBook) Venues() []market.Venue { return b.venues }

// Rate asks every venue concurrently. Venue failures count as no data.
func (b *RateBook) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	var (
		mu     sync.Mutex
		merged []market.ExchangeRate
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range b.venues {
		v := v
		g.Go(func() error {
			offers, err := v.Rate(gctx, from, to)
			if err != nil {
				if !errors.Is(err, market.ErrNoData) && gctx.Err() == nil {
					b.logger.Debug().Err(err).Str("venue", v.Name()).Str("from", from).Str("to", to).Msg("rate lookup failed")
				}
				return nil
			}
			mu.Lock()
			merged = append(merged, offers...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, market.ErrNoData
	}
	market.RankRates(merged)
	return merged, nil
}

// Reload refreshes every venue that keeps a bulk table. It fails only when all of them fail.
func (b *RateBook) Reload(ctx context.Context) error {
	var (
		errs      []error
		reloaders int
	)
	for _, v := range b.venues {
		r, ok := v.(market.Reloader)
		if !ok {
			continue
		}
		reloaders++
		if err := r.Reload(ctx); err != nil {
			b.logger.Warn().Err(err).Str("venue", v.Name()).Msg("venue reload failed")
			errs = append(errs, fmt.Errorf("%s: %w", v.Name(), err))
		}
	}
	if reloaders > 0 && len(errs) == reloaders {
		return errors.Join(errs...)
	}
	return nil
}

// Universe is not offered by a rate book.
func (b *RateBook) Universe(ctx context.Context) (map[string]float64, error) {
	return nil, market.ErrNoData
}

// Quote is not offered by a rate book.
func (b *RateBook) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	return market.Quote{}, market.ErrNoData
}

var (
	_ market.Venue    = (*RateBook)(nil)
	_ market.Reloader = (*RateBook)(nil)
)
