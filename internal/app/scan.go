package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"arb-scanner/internal/market"
	"arb-scanner/internal/profit"
	"arb-scanner/internal/report"
	"arb-scanner/internal/scanner"
)

// Scan loads base data, runs one pass and prints what it found.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	p := a.newPipeline(a.newCarryover())
	defer p.close()

	u, err := p.loader.Load(ctx)
	if err != nil {
		return err
	}

	res, err := p.orchestrator.Scan(ctx, u)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Str("status", string(res.Status)).
		Int("cycles", res.Cycles).
		Int("quotes", res.Acquired).
		Int("opportunities", len(res.Opportunities)).
		Dur("duration", res.Duration).
		Msg("scan finished")

	if err := writeScanResult(os.Stdout, res, opts.Limit); err != nil {
		return err
	}

	if !opts.Report || len(res.Opportunities) == 0 {
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	sinks, closeSinks, err := a.newSinks(ctx, store)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatcher := a.newDispatcher(sinks)
	for _, opp := range res.Opportunities {
		if err := dispatcher.Save(ctx, opp); err != nil {
			a.Logger.Warn().Err(err).Str("id", opp.ID).Msg("report failed")
		}
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), a.Config.Monitor.FlushTimeout)
	defer cancel()
	return dispatcher.Close(flushCtx)
}

func writeScanResult(w io.Writer, res scanner.Result, limit int) error {
	fmt.Fprintf(w, "status=%s cycles=%d evaluated=%d quotes=%d/%d rates=%d duration=%s\n",
		res.Status, res.Cycles, res.Evaluated, res.Acquired, res.Requested, res.Rates, res.Duration.Round(time.Millisecond))
	if rejections := formatRejections(res.Rejections); rejections != "" {
		fmt.Fprintf(w, "rejected: %s\n", rejections)
	}

	opps := res.Opportunities
	if len(opps) == 0 {
		_, err := fmt.Fprintln(w, "no opportunities found")
		return err
	}
	if limit > 0 && len(opps) > limit {
		opps = opps[:limit]
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Profit%\tVariant\tPath\tSymbols\tMinVolume(USDT)\tSpread%\tProvider")
	for _, opp := range opps {
		rec := report.NewRecord(opp)
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ProfitPercent.StringFixed(3),
			rec.Variant,
			rec.Path,
			strings.Join(rec.Symbols, ","),
			rec.MinVolumeUSDT.StringFixed(2),
			rec.SpreadCost.StringFixed(3),
			providerLabel(opp),
		)
	}
	return writer.Flush()
}

func formatRejections(rejections map[profit.Rejection]int) string {
	if len(rejections) == 0 {
		return ""
	}
	keys := make([]string, 0, len(rejections))
	for k := range rejections {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, rejections[profit.Rejection(k)])
	}
	return strings.Join(parts, " ")
}

func providerLabel(opp market.Opportunity) string {
	if opp.ProviderID == "" {
		return "-"
	}
	return opp.ProviderID
}
