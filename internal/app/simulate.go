package app

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"arb-scanner/internal/market"
	"arb-scanner/internal/profit"
)

// SimulateAlert 构造一个给定收益率的合成套利机会，并推送到除数据库外的所有报告通道。
func (a *App) SimulateAlert(ctx context.Context, profitPct float64) error {
	if !a.Config.Alerting.Enabled && !a.Config.Redis.Enabled {
		return errors.New("alerting 与 redis 均未启用")
	}

	sinks, closeSinks, err := a.newSinks(ctx, nil)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatcher := a.newDispatcher(sinks)
	opp := syntheticOpportunity(a.Config.Scanner.Base, a.Config.Profit.StartAmount, profitPct, time.Now().UTC())
	if err := dispatcher.Save(ctx, opp); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), a.Config.Monitor.FlushTimeout)
	defer cancel()
	return dispatcher.Close(flushCtx)
}

// syntheticOpportunity builds base -> BTC -> ETH -> base with prices chosen so the cycle yields profitPct.
func syntheticOpportunity(base string, start, profitPct float64, at time.Time) market.Opportunity {
	if start <= 0 {
		start = 100
	}
	const (
		btcPrice = 60000.0
		ethBTC   = 0.05
	)
	final := start * (1 + profitPct/100)
	btc := start / btcPrice
	eth := btc / ethBTC
	ethPrice := final / eth

	cycle := market.Cycle{Base: base, Legs: []market.Instrument{
		{Symbol: "BTC" + base, Base: "BTC", Quote: base},
		{Symbol: "ETHBTC", Base: "ETH", Quote: "BTC"},
		{Symbol: "ETH" + base, Base: "ETH", Quote: base},
	}}
	return market.Opportunity{
		ID:      uuid.NewString(),
		Variant: profit.VariantSpot,
		Cycle:   cycle,
		Legs: []market.LegFill{
			{Symbol: cycle.Legs[0].Symbol, Side: market.SideBuy, Price: btcPrice, From: base, To: "BTC", AmountIn: start, AmountOut: btc},
			{Symbol: cycle.Legs[1].Symbol, Side: market.SideBuy, Price: ethBTC, From: "BTC", To: "ETH", AmountIn: btc, AmountOut: eth},
			{Symbol: cycle.Legs[2].Symbol, Side: market.SideSell, Price: ethPrice, From: "ETH", To: base, AmountIn: eth, AmountOut: final},
		},
		InitialAmount: start,
		FinalAmount:   final,
		ProfitPercent: profitPct,
		MinVolumeUSDT: 10000,
		DetectedAt:    at,
	}
}
