package cli

import (
	"github.com/spf13/cobra"

	"spotwatt/internal/app"
)

var (
	exportMarket  string
	exportToken   string
	exportPNGPath string
	exportCSVPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export day-ahead prices as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Market:  exportMarket,
			Token:   exportToken,
			PNGPath: exportPNGPath,
			CSVPath: exportCSVPath,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportMarket, "market", "AT", "Market to export (AT or DE)")
	exportCmd.Flags().StringVar(&exportToken, "token", "", "Add an effective price column for this device's cost settings")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
}
