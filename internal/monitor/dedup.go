package monitor

import (
	"math"
	"time"

	"arb-scanner/internal/cache"
	"arb-scanner/internal/market"
)

// DeduperOptions bound the recent-history window.
type DeduperOptions struct {
	// Window is the minimum re-report interval for one cycle.
	Window time.Duration
	// Delta is the relative profit change that lets a repeat through inside the window.
	Delta float64
	// Size caps how many cycles are remembered.
	Size int
	Now  func() time.Time
}

type sighting struct {
	profit float64
}

// dedupKey separates the variants of one cycle; cross opportunities are
// further split by the aggregator provider that quoted them.
type dedupKey struct {
	cycle    market.CycleKey
	variant  string
	provider string
}

func keyOf(opp market.Opportunity) dedupKey {
	return dedupKey{cycle: opp.Cycle.Key(), variant: opp.Variant, provider: opp.ProviderID}
}

// Deduper suppresses repeated reports of the same cycle, variant and provider.
type Deduper struct {
	opts DeduperOptions
	seen *cache.Cache[dedupKey, sighting]
}

// NewDeduper constructs a Deduper.
func NewDeduper(opts DeduperOptions) *Deduper {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Delta <= 0 {
		opts.Delta = 0.2
	}
	if opts.Size <= 0 {
		opts.Size = 10_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deduper{
		opts: opts,
		seen: cache.New[dedupKey, sighting](cache.Options{TTL: opts.Window, MaxSize: opts.Size, Now: opts.Now}),
	}
}

// Admit reports whether opp should be reported and, if so, records it.
// A cycle seen inside the window is suppressed unless its profit moved by at
// least Delta relative to the last reported value.
func (d *Deduper) Admit(opp market.Opportunity) bool {
	key := keyOf(opp)
	if prev, ok := d.seen.Get(key); ok {
		if relativeChange(prev.profit, opp.ProfitPercent) < d.opts.Delta {
			return false
		}
	}
	d.seen.Put(key, sighting{profit: opp.ProfitPercent})
	return true
}

// Cleanup forgets cycles whose window has passed.
func (d *Deduper) Cleanup() int { return d.seen.CleanupExpired() }

// Len reports how many cycles are remembered.
func (d *Deduper) Len() int { return d.seen.Size() }

func relativeChange(prev, next float64) float64 {
	if prev == 0 {
		if next == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(next-prev) / math.Abs(prev)
}
