package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateProfit float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "推送一个合成的套利机会以验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateProfit <= 0 {
			return errors.New("--profit 必须大于 0")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateProfit)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateProfit, "profit", 1.0, "合成机会的收益率 (%)")
}
