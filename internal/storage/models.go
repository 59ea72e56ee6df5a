package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arb-scanner/internal/market"
	"arb-scanner/internal/report"
)

// OpportunityRecord is a persisted, reported opportunity.
type OpportunityRecord struct {
	ID            string
	Variant       string
	Base          string
	Path          string
	Symbols       []string
	Provider      string
	InitialAmount decimal.Decimal
	FinalAmount   decimal.Decimal
	ProfitPct     decimal.Decimal
	MinVolumeUSDT decimal.Decimal
	SpreadCostPct decimal.Decimal
	Legs          json.RawMessage
	DetectedAt    time.Time
	CreatedAt     time.Time
}

// NewOpportunityRecord renders opp for persistence.
func NewOpportunityRecord(opp market.Opportunity) (OpportunityRecord, error) {
	rec := report.NewRecord(opp)
	legs, err := json.Marshal(rec.Legs)
	if err != nil {
		return OpportunityRecord{}, fmt.Errorf("encode legs: %w", err)
	}
	return OpportunityRecord{
		ID:            rec.ID,
		Variant:       rec.Variant,
		Base:          rec.Base,
		Path:          rec.Path,
		Symbols:       rec.Symbols,
		Provider:      rec.Provider,
		InitialAmount: rec.InitialAmount,
		FinalAmount:   rec.FinalAmount,
		ProfitPct:     rec.ProfitPercent,
		MinVolumeUSDT: rec.MinVolumeUSDT,
		SpreadCostPct: rec.SpreadCost,
		Legs:          legs,
		DetectedAt:    rec.DetectedAt,
	}, nil
}
