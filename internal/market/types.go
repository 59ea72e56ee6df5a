package market

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNoData marks an absent result: the venue has nothing for this symbol or pair.
// Callers treat it as a skip, never as a fault.
var ErrNoData = errors.New("market: no data")

// Venue is the capability surface every trading venue or rate aggregator implements.
// Capabilities a venue does not offer return ErrNoData.
type Venue interface {
	Name() string
	Universe(ctx context.Context) (map[string]float64, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Rate(ctx context.Context, from, to string) ([]ExchangeRate, error)
}

// Reloader is implemented by venues whose base data is a bulk table refreshed on an interval.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Side is the direction of a leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Instrument is a tradable pair on the primary venue: one unit of Base is priced in Quote.
type Instrument struct {
	Symbol string
	Base   string
	Quote  string
}

// Has reports whether the instrument trades the given currency on either side.
func (i Instrument) Has(currency string) bool {
	return i.Base == currency || i.Quote == currency
}

// Other returns the counter currency of currency, or "" if the instrument does not trade it.
func (i Instrument) Other(currency string) string {
	switch currency {
	case i.Base:
		return i.Quote
	case i.Quote:
		return i.Base
	default:
		return ""
	}
}

// Pairs reports whether the instrument pairs a with b in either orientation.
func (i Instrument) Pairs(a, b string) bool {
	return (i.Base == a && i.Quote == b) || (i.Base == b && i.Quote == a)
}

// Quote is an order book top-of-book snapshot for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
	At     time.Time
}

// SpreadPercent is (ask-bid)/bid*100, zero when bid is not positive.
func (q Quote) SpreadPercent() float64 {
	if q.Bid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / q.Bid * 100
}

// Valid reports whether both sides carry finite positive prices.
func (q Quote) Valid() bool {
	return finitePositive(q.Bid) && finitePositive(q.Ask)
}

// ExchangeRate is one provider's offer on an aggregator venue: Rate units of To per unit of From.
type ExchangeRate struct {
	From       string
	To         string
	Rate       float64
	ProviderID string
	Reserve    float64
	GiveMin    float64
	GiveMax    float64
}

// Admits reports whether amount of From lies within the provider's give limits.
// A zero GiveMax means unbounded.
func (r ExchangeRate) Admits(amount float64) bool {
	if r.GiveMin > 0 && amount < r.GiveMin {
		return false
	}
	if r.GiveMax > 0 && amount > r.GiveMax {
		return false
	}
	return true
}

// RankRates orders rates best first. Providers with equal rates keep their relative order.
func RankRates(rates []ExchangeRate) {
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].Rate > rates[j].Rate })
}

// PairKey identifies a directed currency pair.
type PairKey struct {
	From string
	To   string
}

// QuoteSet maps symbol to its acquired quote.
type QuoteSet map[string]Quote

// RateSet maps a directed pair to its ranked provider offers.
type RateSet map[PairKey][]ExchangeRate

// CycleKey identifies a cycle by its ordered instruments.
type CycleKey struct {
	Leg1 string
	Leg2 string
	Leg3 string
	Leg4 string
}

// Cycle is a closed loop of trades that starts and ends at Base.
type Cycle struct {
	Base string
	Legs []Instrument
}

// Key returns the structured identity of the cycle.
func (c Cycle) Key() CycleKey {
	var k CycleKey
	dst := []*string{&k.Leg1, &k.Leg2, &k.Leg3, &k.Leg4}
	for i, leg := range c.Legs {
		if i >= len(dst) {
			break
		}
		*dst[i] = leg.Symbol
	}
	return k
}

// Symbols lists the instrument symbols in leg order.
func (c Cycle) Symbols() []string {
	out := make([]string, len(c.Legs))
	for i, leg := range c.Legs {
		out[i] = leg.Symbol
	}
	return out
}

// Path lists the currencies held along the cycle, starting and ending at Base.
func (c Cycle) Path() []string {
	path := make([]string, 0, len(c.Legs)+1)
	held := c.Base
	path = append(path, held)
	for _, leg := range c.Legs {
		held = leg.Other(held)
		path = append(path, held)
	}
	return path
}

// Intermediates returns the currencies held between the first and last leg.
func (c Cycle) Intermediates() []string {
	path := c.Path()
	if len(path) < 3 {
		return nil
	}
	return path[1 : len(path)-1]
}

func (c Cycle) String() string {
	return strings.Join(c.Path(), "->")
}

// Validate checks the structural invariants of a cycle: 3 or 4 distinct
// instruments, each leg trades the currency held before it, the first leg pairs
// the first intermediate with Base, the last returns to Base.
func (c Cycle) Validate() error {
	if len(c.Legs) < 3 || len(c.Legs) > 4 {
		return errors.New("cycle must have 3 or 4 legs")
	}
	seen := make(map[string]struct{}, len(c.Legs))
	for _, leg := range c.Legs {
		if _, dup := seen[leg.Symbol]; dup {
			return errors.New("cycle instruments must be distinct")
		}
		seen[leg.Symbol] = struct{}{}
	}
	first := c.Legs[0]
	if first.Quote != c.Base || first.Base == c.Base {
		return errors.New("first leg must quote the base currency")
	}
	held := c.Base
	for _, leg := range c.Legs {
		next := leg.Other(held)
		if next == "" {
			return errors.New("leg does not trade the held currency")
		}
		held = next
	}
	if held != c.Base {
		return errors.New("cycle does not close at the base currency")
	}
	return nil
}

// LegFill records how one leg of an opportunity is executed.
type LegFill struct {
	Symbol    string
	Venue     string
	Side      Side
	Price     float64
	From      string
	To        string
	AmountIn  float64
	AmountOut float64
}

// Opportunity is an accepted cycle with its fee-adjusted outcome.
type Opportunity struct {
	ID            string
	Variant       string
	Cycle         Cycle
	Legs          []LegFill
	ProviderID    string
	InitialAmount float64
	FinalAmount   float64
	ProfitPercent float64
	MinVolumeUSDT float64
	SpreadCost    float64
	DetectedAt    time.Time
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
