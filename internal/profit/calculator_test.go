package profit

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/market"
)

var (
	abUSDT = market.Instrument{Symbol: "ABUSDT", Base: "AB", Quote: "USDT"}
	abCD   = market.Instrument{Symbol: "ABCD", Base: "AB", Quote: "CD"}
	cdAB   = market.Instrument{Symbol: "CDAB", Base: "CD", Quote: "AB"}
	cdUSDT = market.Instrument{Symbol: "CDUSDT", Base: "CD", Quote: "USDT"}
	usdtCD = market.Instrument{Symbol: "USDTCD", Base: "USDT", Quote: "CD"}
)

func flat(symbol string, price, qty float64) market.Quote {
	return market.Quote{Symbol: symbol, Bid: price, Ask: price, BidQty: qty, AskQty: qty}
}

func lenient(opts Options) Options {
	opts.Commission = 0.001
	opts.StartAmount = 100
	opts.MinProfitPercent = -100
	opts.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	opts.NewID = func() string { return "fixed" }
	return opts
}

func TestComputeFeeCompoundingDirection(t *testing.T) {
	calc := New(lenient(Options{}))
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	quotes := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"ABCD":   flat("ABCD", 0.5, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}

	opp, rej := calc.Compute(cycle, quotes)
	require.Equal(t, Accepted, rej)
	require.Len(t, opp.Legs, 3)

	assert.Equal(t, market.SideBuy, opp.Legs[0].Side)
	assert.InDelta(t, 9.99, opp.Legs[0].AmountOut, 1e-9)
	assert.Equal(t, market.SideSell, opp.Legs[1].Side)
	assert.InDelta(t, 4.990005, opp.Legs[1].AmountOut, 1e-9)
	assert.Equal(t, market.SideSell, opp.Legs[2].Side)
	assert.InDelta(t, 99.7002999, opp.FinalAmount, 1e-6)

	// three commissions of 0.1% compound into a loss of about 0.3%
	assert.InDelta(t, (math.Pow(0.999, 3)-1)*100, opp.ProfitPercent, 1e-9)
	assert.Less(t, opp.ProfitPercent, -0.2)
	assertProfitIdentity(t, opp)
}

func TestComputeInverseOrientationsAreEquivalent(t *testing.T) {
	calc := New(lenient(Options{}))
	direct := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	inverse := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, cdAB, usdtCD}}
	quotes := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"ABCD":   flat("ABCD", 0.5, 1000),
		"CDAB":   flat("CDAB", 2, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
		"USDTCD": flat("USDTCD", 0.05, 1000),
	}

	a, rejA := calc.Compute(direct, quotes)
	b, rejB := calc.Compute(inverse, quotes)
	require.Equal(t, Accepted, rejA)
	require.Equal(t, Accepted, rejB)

	assert.Equal(t, market.SideBuy, b.Legs[1].Side, "B+A instrument buys B at ask")
	assert.Equal(t, market.SideBuy, b.Legs[2].Side, "base+B instrument buys base at ask")
	assert.InDelta(t, a.ProfitPercent, b.ProfitPercent, 1e-9)
}

func TestComputeIsDeterministic(t *testing.T) {
	calc := New(lenient(Options{}))
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	quotes := market.QuoteSet{
		"ABUSDT": {Bid: 9.98, Ask: 10.01, BidQty: 5, AskQty: 7},
		"ABCD":   {Bid: 0.503, Ask: 0.504, BidQty: 50, AskQty: 60},
		"CDUSDT": {Bid: 20.1, Ask: 20.2, BidQty: 9, AskQty: 4},
	}

	first, _ := calc.Compute(cycle, quotes)
	for i := 0; i < 5; i++ {
		again, _ := New(lenient(Options{})).Compute(cycle, quotes)
		assert.Equal(t, first.ProfitPercent, again.ProfitPercent)
		memo, _ := calc.Compute(cycle, quotes)
		assert.Equal(t, first.ProfitPercent, memo.ProfitPercent)
	}
	assertProfitIdentity(t, first)
}

func TestComputeLiquidityIsMinimumLegNotional(t *testing.T) {
	opts := lenient(Options{})
	opts.LiquidityFloorUSDT = 50
	calc := New(opts)
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}

	quotes := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 100),  // 1000 USDT
		"ABCD":   flat("ABCD", 0.5, 8),     // 4 CD = 80 USDT
		"CDUSDT": flat("CDUSDT", 20, 1000), // 20000 USDT
	}
	opp, rej := calc.Compute(cycle, quotes)
	require.Equal(t, Accepted, rej)
	assert.InDelta(t, 80, opp.MinVolumeUSDT, 1e-9)

	quotes["ABCD"] = flat("ABCD", 0.5, 2) // 20 USDT
	opp, rej = calc.Compute(cycle, quotes)
	assert.Equal(t, RejectLowLiquidity, rej)
	assert.InDelta(t, 20, opp.MinVolumeUSDT, 1e-9)
}

func TestComputeRejections(t *testing.T) {
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	profitable := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"ABCD":   flat("ABCD", 0.55, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}

	calc := New(Options{Commission: 0.001, MinProfitPercent: 0.1, MaxProfitPercent: 50})
	opp, rej := calc.Compute(cycle, profitable)
	require.Equal(t, Accepted, rej)
	assert.NotEmpty(t, opp.ID)
	assert.False(t, opp.DetectedAt.IsZero())
	assert.GreaterOrEqual(t, opp.ProfitPercent, 0.1)

	strict := New(Options{Commission: 0.001, MinProfitPercent: 20})
	_, rej = strict.Compute(cycle, profitable)
	assert.Equal(t, RejectBelowThreshold, rej)

	absurd := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"ABCD":   flat("ABCD", 5, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}
	_, rej = calc.Compute(cycle, absurd)
	assert.Equal(t, RejectImplausible, rej)

	missing := market.QuoteSet{"ABUSDT": flat("ABUSDT", 10, 1)}
	_, rej = calc.Compute(cycle, missing)
	assert.Equal(t, RejectMissingQuote, rej)

	zero := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"ABCD":   {Bid: 0, Ask: 0.5},
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}
	_, rej = calc.Compute(cycle, zero)
	assert.Equal(t, RejectInvalidQuote, rej)

	_, rej = calc.Compute(market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abUSDT, cdUSDT}}, profitable)
	assert.Equal(t, RejectMalformed, rej)
}

func TestComputeCrossAppliesWithdrawalFeeAndLimits(t *testing.T) {
	opts := lenient(Options{Venue: "spot"})
	opts.WithdrawalFees = map[string]float64{"AB": 0.09}
	calc := New(opts)
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	quotes := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}
	rates := []market.ExchangeRate{
		{From: "CD", To: "AB", Rate: 9, ProviderID: "reverse"},
		{From: "AB", To: "CD", Rate: 0.52, ProviderID: "ok", GiveMin: 1, GiveMax: 100, Reserve: 1000},
		{From: "AB", To: "CD", Rate: 0.51, ProviderID: "worse"},
	}

	opp, rej := calc.ComputeCross(cycle, quotes, rates, "aggregator")
	require.Equal(t, Accepted, rej)
	assert.Equal(t, VariantCross, opp.Variant)
	assert.Equal(t, "ok", opp.ProviderID)

	// 9.99 AB minus 0.09 AB withdrawal = 9.9 AB checked against limits
	assert.InDelta(t, 9.9, opp.Legs[1].AmountIn, 1e-9)
	assert.InDelta(t, 9.9*0.52, opp.Legs[1].AmountOut, 1e-9)
	assert.InDelta(t, 9.9*0.52*20*0.999, opp.FinalAmount, 1e-9)
	assert.Equal(t, "aggregator", opp.Legs[1].Venue)
	assertProfitIdentity(t, opp)

	// no offer for the pair at all
	_, rej = calc.ComputeCross(cycle, quotes, rates[:1], "aggregator")
	assert.Equal(t, RejectLimits, rej)
}

func TestComputeCrossRejectsWhenBestOfferRefusesAmount(t *testing.T) {
	opts := lenient(Options{Venue: "spot"})
	opts.WithdrawalFees = map[string]float64{"AB": 0.09}
	calc := New(opts)
	cycle := market.Cycle{Base: "USDT", Legs: []market.Instrument{abUSDT, abCD, cdUSDT}}
	quotes := market.QuoteSet{
		"ABUSDT": flat("ABUSDT", 10, 1000),
		"CDUSDT": flat("CDUSDT", 20, 1000),
	}
	admits := market.ExchangeRate{From: "AB", To: "CD", Rate: 0.52, ProviderID: "ok"}

	for name, best := range map[string]market.ExchangeRate{
		"give max": {From: "AB", To: "CD", Rate: 0.6, ProviderID: "tiny", GiveMax: 5},
		"give min": {From: "AB", To: "CD", Rate: 0.6, ProviderID: "big", GiveMin: 50},
		"reserve":  {From: "AB", To: "CD", Rate: 0.6, ProviderID: "shallow", Reserve: 1},
	} {
		_, rej := calc.ComputeCross(cycle, quotes, []market.ExchangeRate{best, admits}, "aggregator")
		assert.Equal(t, RejectLimits, rej, name)
	}
}

func TestWithdrawalFeeFallsBackToEstimate(t *testing.T) {
	calc := New(Options{
		WithdrawalFees:         map[string]float64{"ETH": 0.001},
		FeeEstimatesUSDT:       map[string]float64{"BTC": 12},
		DefaultFeeEstimateUSDT: 2,
	})

	assert.Equal(t, 0.001, calc.WithdrawalFee("ETH", 3000))
	assert.InDelta(t, 12.0/60000, calc.WithdrawalFee("BTC", 60000), 1e-15)
	assert.InDelta(t, 2.0/4, calc.WithdrawalFee("XYZ", 4), 1e-15)
	assert.Zero(t, calc.WithdrawalFee("XYZ", 0))
}

func assertProfitIdentity(t *testing.T, opp market.Opportunity) {
	t.Helper()
	want := ((opp.FinalAmount / opp.InitialAmount) - 1) * 100
	tol := 1e-9 * math.Max(1, math.Abs(want))
	assert.InDelta(t, want, opp.ProfitPercent, tol)
}
