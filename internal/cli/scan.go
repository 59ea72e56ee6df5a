package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"arb-scanner/internal/app"
)

var (
	scanLimit  int
	scanReport bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan and print the opportunities found",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().Scan(cmd.Context(), app.ScanOptions{Limit: scanLimit, Report: scanReport})
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanLimit, "limit", 20, "Maximum opportunities to print (0 prints all)")
	scanCmd.Flags().BoolVar(&scanReport, "report", false, "Also deliver findings to the configured sinks")
}
