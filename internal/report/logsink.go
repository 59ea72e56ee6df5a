package report

import (
	"context"

	"github.com/rs/zerolog"

	"arb-scanner/internal/market"
)

// LogSink writes each opportunity as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "report_log").Logger()}
}

// Name labels the sink.
func (s *LogSink) Name() string { return "log" }

// Save logs opp.
func (s *LogSink) Save(ctx context.Context, opp market.Opportunity) error {
	rec := NewRecord(opp)
	event := s.logger.Info().
		Str("id", rec.ID).
		Str("variant", rec.Variant).
		Str("path", rec.Path).
		Strs("symbols", rec.Symbols).
		Str("profit_pct", rec.ProfitPercent.String()).
		Str("min_volume_usdt", rec.MinVolumeUSDT.String()).
		Str("spread_cost_pct", rec.SpreadCost.String())
	if rec.Provider != "" {
		event = event.Str("provider", rec.Provider)
	}
	event.Msg("opportunity")
	return nil
}

var _ Sink = (*LogSink)(nil)
