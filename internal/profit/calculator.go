// Package profit computes the fee-adjusted outcome of a conversion cycle.
package profit

import (
	"math"
	"time"

	"github.com/google/uuid"

	"arb-scanner/internal/cache"
	"arb-scanner/internal/market"
)

// Rejection explains why a candidate cycle did not become an opportunity. The empty value means accepted.
type Rejection string

const (
	Accepted             Rejection = ""
	RejectMalformed      Rejection = "malformed_cycle"
	RejectMissingQuote   Rejection = "missing_quote"
	RejectInvalidQuote   Rejection = "invalid_quote"
	RejectNonFinite      Rejection = "non_finite"
	RejectImplausible    Rejection = "implausible_profit"
	RejectBelowThreshold Rejection = "below_threshold"
	RejectLowLiquidity   Rejection = "low_liquidity"
	RejectLimits         Rejection = "exchanger_limits"
	RejectFees           Rejection = "fees_exceed_amount"
)

const (
	VariantSpot  = "spot"
	VariantCross = "cross"
)

// Options configure a Calculator. The zero value of optional fields disables the corresponding check.
type Options struct {
	Venue              string
	StartAmount        float64
	Commission         float64
	MinProfitPercent   float64
	MaxProfitPercent   float64
	LiquidityFloorUSDT float64

	// WithdrawalFees holds known per-coin withdrawal fees in coin units.
	WithdrawalFees map[string]float64
	// FeeEstimatesUSDT is the static fallback table, in base-currency notional.
	FeeEstimatesUSDT map[string]float64
	// DefaultFeeEstimateUSDT applies to coins missing from both tables.
	DefaultFeeEstimateUSDT float64

	MemoTTL  time.Duration
	MemoSize int

	Now   func() time.Time
	NewID func() string
}

type convOp uint8

const (
	opBuy convOp = iota + 1
	opSell
	opRate
)

type convKey struct {
	amount float64
	price  float64
	op     convOp
}

// Calculator is safe for concurrent use. Its only shared state is the memo of
// per-leg conversions, which never changes a result.
type Calculator struct {
	opts Options
	memo *cache.Cache[convKey, float64]
}

// New constructs a Calculator.
func New(opts Options) *Calculator {
	if opts.StartAmount <= 0 {
		opts.StartAmount = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.FeeEstimatesUSDT == nil {
		opts.FeeEstimatesUSDT = DefaultFeeEstimatesUSDT
	}
	if opts.MemoTTL <= 0 {
		opts.MemoTTL = 5 * time.Second
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = 50_000
	}
	return &Calculator{
		opts: opts,
		memo: cache.New[convKey, float64](cache.Options{TTL: opts.MemoTTL, MaxSize: opts.MemoSize}),
	}
}

// Options returns the calculator configuration.
func (c *Calculator) Options() Options { return c.opts }

// CleanupMemo drops expired memoised conversions.
func (c *Calculator) CleanupMemo() int { return c.memo.CleanupExpired() }

// Compute evaluates cycle entirely on the primary venue. Each leg's direction
// follows from the currency held before it: holding the instrument's quote
// buys at ask, holding its base sells at bid. Commission is charged on every
// leg's output. The returned opportunity is populated whenever the arithmetic
// could be carried out, including for rejected candidates.
func (c *Calculator) Compute(cycle market.Cycle, quotes market.QuoteSet) (market.Opportunity, Rejection) {
	if err := cycle.Validate(); err != nil {
		return market.Opportunity{}, RejectMalformed
	}

	opp := c.newOpportunity(cycle, VariantSpot)
	held, amount := cycle.Base, opp.InitialAmount
	executed := make([]float64, len(cycle.Legs))
	quoted := make([]market.Quote, len(cycle.Legs))

	for i, inst := range cycle.Legs {
		q, ok := quotes[inst.Symbol]
		if !ok {
			return opp, RejectMissingQuote
		}
		if !q.Valid() {
			return opp, RejectInvalidQuote
		}
		fill := c.trade(inst, held, amount, q)
		opp.Legs = append(opp.Legs, fill)
		opp.SpreadCost += q.SpreadPercent()
		executed[i] = fill.Price
		quoted[i] = q
		held, amount = fill.To, fill.AmountOut
	}

	values := valuations(cycle, executed)
	opp.MinVolumeUSDT = math.Inf(1)
	for i, inst := range cycle.Legs {
		vol := legVolume(inst, opp.Legs[i], quoted[i], values)
		opp.MinVolumeUSDT = math.Min(opp.MinVolumeUSDT, vol)
	}

	return c.finish(opp, amount)
}

// ComputeCross evaluates the cross-venue variant of a three-leg cycle: leg 1
// on the primary venue, the first intermediate withdrawn to an aggregator and
// exchanged there for the second, which is sold back on the primary venue in
// leg 3. rates must be ranked best first; the best offer for A->B is used and
// the cycle is rejected when its give limits or reserve refuse the post-fee
// amount.
func (c *Calculator) ComputeCross(cycle market.Cycle, quotes market.QuoteSet, rates []market.ExchangeRate, aggregator string) (market.Opportunity, Rejection) {
	if err := cycle.Validate(); err != nil || len(cycle.Legs) != 3 {
		return market.Opportunity{}, RejectMalformed
	}
	path := cycle.Path()
	a, b := path[1], path[2]

	opp := c.newOpportunity(cycle, VariantCross)
	first, last := cycle.Legs[0], cycle.Legs[2]
	q1, ok1 := quotes[first.Symbol]
	q3, ok3 := quotes[last.Symbol]
	if !ok1 || !ok3 {
		return opp, RejectMissingQuote
	}
	if !q1.Valid() || !q3.Valid() {
		return opp, RejectInvalidQuote
	}

	leg1 := c.trade(first, cycle.Base, opp.InitialAmount, q1)
	opp.Legs = append(opp.Legs, leg1)

	priceA := leg1.Price
	amountA := leg1.AmountOut - c.WithdrawalFee(a, priceA)
	if !(amountA > 0) {
		return opp, RejectFees
	}

	offer, ok := pickOffer(rates, a, b, amountA)
	if !ok {
		return opp, RejectLimits
	}
	amountB := c.convert(amountA, offer.Rate, opRate)
	opp.ProviderID = offer.ProviderID
	opp.Legs = append(opp.Legs, market.LegFill{
		Venue:     aggregator,
		Side:      market.SideSell,
		Price:     offer.Rate,
		From:      a,
		To:        b,
		AmountIn:  amountA,
		AmountOut: amountB,
	})

	leg3 := c.trade(last, b, amountB, q3)
	opp.Legs = append(opp.Legs, leg3)
	opp.SpreadCost = q1.SpreadPercent() + q3.SpreadPercent()

	executed := []float64{leg1.Price, 0, leg3.Price}
	values := valuations(cycle, executed)
	opp.MinVolumeUSDT = math.Min(
		legVolume(first, leg1, q1, values),
		legVolume(last, leg3, q3, values),
	)
	if offer.Reserve > 0 {
		if vb, ok := values[b]; ok {
			opp.MinVolumeUSDT = math.Min(opp.MinVolumeUSDT, offer.Reserve*vb)
		}
	}

	return c.finish(opp, leg3.AmountOut)
}

// WithdrawalFee returns the fee for moving coin off the primary venue, in coin
// units. Unknown fees fall back to a static notional estimate converted with
// priceInBase.
func (c *Calculator) WithdrawalFee(coin string, priceInBase float64) float64 {
	if fee, ok := c.opts.WithdrawalFees[coin]; ok {
		return fee
	}
	estimate, ok := c.opts.FeeEstimatesUSDT[coin]
	if !ok {
		estimate = c.opts.DefaultFeeEstimateUSDT
	}
	if estimate <= 0 || !(priceInBase > 0) {
		return 0
	}
	return estimate / priceInBase
}

func (c *Calculator) newOpportunity(cycle market.Cycle, variant string) market.Opportunity {
	return market.Opportunity{
		Variant:       variant,
		Cycle:         cycle,
		Legs:          make([]market.LegFill, 0, len(cycle.Legs)),
		InitialAmount: c.opts.StartAmount,
	}
}

// finish computes the profit once from the end amounts and applies the acceptance filters.
func (c *Calculator) finish(opp market.Opportunity, final float64) (market.Opportunity, Rejection) {
	opp.FinalAmount = final
	opp.ProfitPercent = (final - opp.InitialAmount) / opp.InitialAmount * 100

	switch {
	case math.IsNaN(opp.ProfitPercent) || math.IsInf(opp.ProfitPercent, 0):
		return opp, RejectNonFinite
	case c.opts.MaxProfitPercent > 0 && math.Abs(opp.ProfitPercent) > c.opts.MaxProfitPercent:
		return opp, RejectImplausible
	case opp.ProfitPercent < c.opts.MinProfitPercent:
		return opp, RejectBelowThreshold
	case opp.MinVolumeUSDT < c.opts.LiquidityFloorUSDT:
		return opp, RejectLowLiquidity
	}

	opp.ID = c.opts.NewID()
	opp.DetectedAt = c.opts.Now().UTC()
	return opp, Accepted
}

// trade converts amount of held through inst at the side dictated by orientation.
func (c *Calculator) trade(inst market.Instrument, held string, amount float64, q market.Quote) market.LegFill {
	fill := market.LegFill{Symbol: inst.Symbol, Venue: c.opts.Venue, From: held, AmountIn: amount}
	if inst.Quote == held {
		fill.Side = market.SideBuy
		fill.Price = q.Ask
		fill.To = inst.Base
		fill.AmountOut = c.convert(amount, q.Ask, opBuy)
		return fill
	}
	fill.Side = market.SideSell
	fill.Price = q.Bid
	fill.To = inst.Quote
	fill.AmountOut = c.convert(amount, q.Bid, opSell)
	return fill
}

func (c *Calculator) convert(amount, price float64, op convOp) float64 {
	key := convKey{amount: amount, price: price, op: op}
	if v, ok := c.memo.Get(key); ok {
		return v
	}
	var out float64
	switch op {
	case opBuy:
		out = amount / price * (1 - c.opts.Commission)
	case opSell:
		out = amount * price * (1 - c.opts.Commission)
	case opRate:
		out = amount * price
	}
	c.memo.Put(key, out)
	return out
}

// pickOffer returns the best usable offer for from->to if it admits amount.
func pickOffer(rates []market.ExchangeRate, from, to string, amount float64) (market.ExchangeRate, bool) {
	for _, r := range rates {
		if r.From != from || r.To != to || !(r.Rate > 0) || math.IsInf(r.Rate, 0) {
			continue
		}
		if !r.Admits(amount) || (r.Reserve > 0 && amount*r.Rate > r.Reserve) {
			return market.ExchangeRate{}, false
		}
		return r, true
	}
	return market.ExchangeRate{}, false
}

// valuations derives the base-currency value of every currency on the cycle
// from the executed leg prices. Legs with a zero price are skipped.
func valuations(cycle market.Cycle, prices []float64) map[string]float64 {
	values := map[string]float64{cycle.Base: 1}
	for pass := 0; pass < len(cycle.Legs); pass++ {
		changed := false
		for i, inst := range cycle.Legs {
			p := prices[i]
			if !(p > 0) {
				continue
			}
			vb, hasBase := values[inst.Base]
			vq, hasQuote := values[inst.Quote]
			switch {
			case hasQuote && !hasBase:
				values[inst.Base] = p * vq
				changed = true
			case hasBase && !hasQuote:
				values[inst.Quote] = vb / p
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return values
}

// legVolume is the quoted quantity on the executed side times its price, in base-currency notional.
func legVolume(inst market.Instrument, fill market.LegFill, q market.Quote, values map[string]float64) float64 {
	qty := q.BidQty
	if fill.Side == market.SideBuy {
		qty = q.AskQty
	}
	vq, ok := values[inst.Quote]
	if !ok || !(qty > 0) {
		return 0
	}
	return qty * fill.Price * vq
}
