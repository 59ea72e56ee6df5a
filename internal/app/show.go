package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"arb-scanner/internal/storage"
)

// Show prints recently reported opportunities.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show opportunities")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentOpportunities(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeRecords(os.Stdout, records)
}

func writeRecords(w io.Writer, records []storage.OpportunityRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no opportunities found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tVariant\tPath\tProfit%\tMinVolume(USDT)\tSpread%\tProvider")

	for _, rec := range records {
		provider := rec.Provider
		if provider == "" {
			provider = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.DetectedAt.UTC().Format(time.RFC3339),
			rec.Variant,
			sanitizeInline(rec.Path),
			rec.ProfitPct.StringFixed(3),
			rec.MinVolumeUSDT.StringFixed(2),
			rec.SpreadCostPct.StringFixed(3),
			sanitizeInline(provider),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
