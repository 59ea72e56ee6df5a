// Package pathfinder enumerates closed three-leg conversion cycles over an instrument universe.
package pathfinder

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
)

// checkEvery is how many first legs are expanded between cancellation checks.
const checkEvery = 16

// Caps bound the combinatorics of one search.
type Caps struct {
	// FirstLegs limits how many base-quoted instruments seed cycles. Zero means no limit.
	FirstLegs int
	// MaxCycles stops the search once this many cycles were found. Zero means no limit.
	MaxCycles int
}

// Options configure a Finder.
type Options struct {
	// Whitelist restricts the second intermediate currency. Nil falls back to the universe's code table.
	Whitelist *market.Codes
}

// Finder discovers cycles. It holds no mutable state and is safe for concurrent use.
type Finder struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Finder.
func New(opts Options, logger zerolog.Logger) *Finder {
	return &Finder{opts: opts, logger: logger.With().Str("component", "pathfinder").Logger()}
}

// FindCycles returns cycles base -> A -> B -> base in discovery order. Leg 1 is
// always A+base; leg 2 pairs A and B in either orientation; leg 3 pairs B with
// base in either orientation. On cancellation the cycles found so far are
// returned together with the context error.
func (f *Finder) FindCycles(ctx context.Context, base string, u *market.Universe, caps Caps) ([]market.Cycle, error) {
	if u == nil || u.Len() == 0 {
		return nil, nil
	}
	whitelist := f.opts.Whitelist
	if whitelist == nil {
		whitelist = u.Codes()
	}

	firsts := firstLegs(base, u)
	if caps.FirstLegs > 0 && len(firsts) > caps.FirstLegs {
		firsts = firsts[:caps.FirstLegs]
	}

	var cycles []market.Cycle
	for i, first := range firsts {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return cycles, err
			}
		}
		a := first.Base
		for _, mid := range u.Trading(a) {
			if mid.Symbol == first.Symbol {
				continue
			}
			b := mid.Other(a)
			if b == base || b == a || !whitelist.Known(b) {
				continue
			}
			closing, ok := closingLeg(u, b, base)
			if !ok || closing.Symbol == mid.Symbol {
				continue
			}
			cycle := market.Cycle{Base: base, Legs: []market.Instrument{first, mid, closing}}
			if err := cycle.Validate(); err != nil {
				f.logger.Debug().Err(err).Str("cycle", cycle.String()).Msg("discarding malformed cycle")
				continue
			}
			cycles = append(cycles, cycle)
			if caps.MaxCycles > 0 && len(cycles) >= caps.MaxCycles {
				return cycles, nil
			}
		}
	}

	f.logger.Debug().Str("base", base).Int("first_legs", len(firsts)).Int("cycles", len(cycles)).Msg("cycle discovery finished")
	return cycles, nil
}

// firstLegs lists instruments A+base, the intermediates with the most listed
// instruments first so a top-N cap keeps the seeds that can close the most
// cycles. Ties keep lexical order.
func firstLegs(base string, u *market.Universe) []market.Instrument {
	var out []market.Instrument
	for _, inst := range u.Trading(base) {
		if inst.Quote == base {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(u.Trading(out[i].Base)) > len(u.Trading(out[j].Base))
	})
	return out
}

// closingLeg finds B+base, falling back to the inverse base+B.
func closingLeg(u *market.Universe, b, base string) (market.Instrument, bool) {
	if inst, ok := u.Lookup(b, base); ok {
		return inst, true
	}
	return u.Lookup(base, b)
}
