package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
)

// BaseData rebuilds the instrument universe from the primary venue and
// refreshes the aggregator rate tables.
type BaseData struct {
	primary   market.Venue
	codes     *market.Codes
	reloaders []market.Reloader
	now       func() time.Time
	logger    zerolog.Logger
}

// NewBaseData constructs a loader. A failing reloader degrades to stale rates; a failing universe is an error.
func NewBaseData(primary market.Venue, codes *market.Codes, logger zerolog.Logger, reloaders ...market.Reloader) *BaseData {
	return &BaseData{
		primary:   primary,
		codes:     codes,
		reloaders: reloaders,
		now:       time.Now,
		logger:    logger.With().Str("component", "base_data").Logger(),
	}
}

// Load fetches the universe and reloads every rate table.
func (b *BaseData) Load(ctx context.Context) (*market.Universe, error) {
	prices, err := b.primary.Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("load universe from %s: %w", b.primary.Name(), err)
	}
	u := market.NewUniverse(prices, b.codes, b.now().UTC())
	if u.Len() == 0 {
		return nil, fmt.Errorf("universe from %s has no recognised instruments", b.primary.Name())
	}

	for _, r := range b.reloaders {
		if err := r.Reload(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("rate table reload failed, keeping previous table")
		}
	}

	b.logger.Info().Int("instruments", u.Len()).Int("currencies", len(u.Currencies())).Msg("base data loaded")
	return u, nil
}
