package fetcher

import (
	"context"
	"errors"
	"time"

	"arb-scanner/internal/cache"
	"arb-scanner/internal/market"
)

// QuoteKey identifies a cached top-of-book quote.
type QuoteKey struct {
	Venue  string
	Symbol string
}

// RateKey identifies a cached offer list.
type RateKey struct {
	Venue string
	From  string
	To    string
}

// CachedOptions size the quote and rate caches.
type CachedOptions struct {
	QuoteTTL  time.Duration
	QuoteSize int
	RateTTL   time.Duration
	RateSize  int
	Now       func() time.Time
}

// Cached decorates a venue so repeated lookups inside a TTL window hit memory.
// Absent rates are cached too, so a pair with no providers is not re-asked every scan.
type Cached struct {
	venue  market.Venue
	quotes *cache.Cache[QuoteKey, market.Quote]
	rates  *cache.Cache[RateKey, []market.ExchangeRate]
}

// NewCached wraps venue.
func NewCached(venue market.Venue, opts CachedOptions) *Cached {
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = 2 * time.Second
	}
	if opts.RateTTL <= 0 {
		opts.RateTTL = 30 * time.Second
	}
	return &Cached{
		venue:  venue,
		quotes: cache.New[QuoteKey, market.Quote](cache.Options{TTL: opts.QuoteTTL, MaxSize: opts.QuoteSize, Now: opts.Now}),
		rates:  cache.New[RateKey, []market.ExchangeRate](cache.Options{TTL: opts.RateTTL, MaxSize: opts.RateSize, Now: opts.Now}),
	}
}

// Name returns the wrapped venue's label.
func (c *Cached) Name() string { return c.venue.Name() }

// Unwrap returns the decorated venue.
func (c *Cached) Unwrap() market.Venue { return c.venue }

// Universe is never cached; it is the reload path.
func (c *Cached) Universe(ctx context.Context) (map[string]float64, error) {
	return c.venue.Universe(ctx)
}

// Quote serves symbol from cache when fresh.
func (c *Cached) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	key := QuoteKey{Venue: c.venue.Name(), Symbol: symbol}
	if q, ok := c.quotes.Get(key); ok {
		return q, nil
	}
	q, err := c.venue.Quote(ctx, symbol)
	if err != nil {
		return market.Quote{}, err
	}
	c.quotes.Put(key, q)
	return q, nil
}

// Rate serves from->to from cache when fresh.
func (c *Cached) Rate(ctx context.Context, from, to string) ([]market.ExchangeRate, error) {
	key := RateKey{Venue: c.venue.Name(), From: from, To: to}
	if offers, ok := c.rates.Get(key); ok {
		if len(offers) == 0 {
			return nil, market.ErrNoData
		}
		return offers, nil
	}
	offers, err := c.venue.Rate(ctx, from, to)
	switch {
	case errors.Is(err, market.ErrNoData):
		c.rates.Put(key, nil)
		return nil, err
	case err != nil:
		return nil, err
	}
	c.rates.Put(key, offers)
	return offers, nil
}

// Reload forwards to the wrapped venue and drops cached rates.
func (c *Cached) Reload(ctx context.Context) error {
	r, ok := c.venue.(market.Reloader)
	if !ok {
		return nil
	}
	if err := r.Reload(ctx); err != nil {
		return err
	}
	c.rates.Clear()
	return nil
}

// Cleanup purges expired entries and reports how many were removed.
func (c *Cached) Cleanup() int {
	return c.quotes.CleanupExpired() + c.rates.CleanupExpired()
}

// Size reports cached quotes and rates.
func (c *Cached) Size() (quotes, rates int) {
	return c.quotes.Size(), c.rates.Size()
}

var (
	_ market.Venue    = (*Cached)(nil)
	_ market.Reloader = (*Cached)(nil)
)
