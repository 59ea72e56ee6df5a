// Package report delivers accepted opportunities to their reporting sinks.
package report

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
)

// Sink receives accepted opportunities.
type Sink interface {
	Save(ctx context.Context, opp market.Opportunity) error
}

// Named sinks are labelled in logs and metrics.
type Named interface {
	Name() string
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, opp market.Opportunity) error

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, opp market.Opportunity) error { return f(ctx, opp) }

// Record is the rendered, exact-decimal view of an opportunity shared by the sinks.
type Record struct {
	ID            string          `json:"id"`
	Variant       string          `json:"variant"`
	Base          string          `json:"base"`
	Path          string          `json:"path"`
	Symbols       []string        `json:"symbols"`
	Provider      string          `json:"provider,omitempty"`
	Legs          []RecordLeg     `json:"legs"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	ProfitPercent decimal.Decimal `json:"profit_pct"`
	MinVolumeUSDT decimal.Decimal `json:"min_volume_usdt"`
	SpreadCost    decimal.Decimal `json:"spread_cost_pct"`
	DetectedAt    time.Time       `json:"detected_at"`
}

// RecordLeg is one rendered leg.
type RecordLeg struct {
	Symbol    string          `json:"symbol,omitempty"`
	Venue     string          `json:"venue,omitempty"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// NewRecord renders opp. Figures are rounded to 8 places, profit and spread to 4.
func NewRecord(opp market.Opportunity) Record {
	rec := Record{
		ID:            opp.ID,
		Variant:       opp.Variant,
		Base:          opp.Cycle.Base,
		Path:          opp.Cycle.String(),
		Symbols:       opp.Cycle.Symbols(),
		Provider:      opp.ProviderID,
		InitialAmount: Decimal(opp.InitialAmount, 8),
		FinalAmount:   Decimal(opp.FinalAmount, 8),
		ProfitPercent: Decimal(opp.ProfitPercent, 4),
		MinVolumeUSDT: Decimal(opp.MinVolumeUSDT, 2),
		SpreadCost:    Decimal(opp.SpreadCost, 4),
		DetectedAt:    opp.DetectedAt.UTC(),
	}
	for _, leg := range opp.Legs {
		rec.Legs = append(rec.Legs, RecordLeg{
			Symbol:    leg.Symbol,
			Venue:     leg.Venue,
			Side:      string(leg.Side),
			Price:     Decimal(leg.Price, 8),
			From:      leg.From,
			To:        leg.To,
			AmountIn:  Decimal(leg.AmountIn, 8),
			AmountOut: Decimal(leg.AmountOut, 8),
		})
	}
	return rec
}

// Decimal converts v, mapping non-finite values to zero.
func Decimal(v float64, places int32) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(places)
}

func sinkName(s Sink) string {
	if n, ok := s.(Named); ok {
		return n.Name()
	}
	return "sink"
}
