package cli

import (
	"github.com/spf13/cobra"

	"cardpricer/internal/app"
)

var (
	reportLimit   int
	reportCSVPath string
	reportPNGPath string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the most-stale price records, optionally as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Report(cmd.Context(), app.ReportOptions{
			Limit:   reportLimit,
			CSVPath: reportCSVPath,
			PNGPath: reportPNGPath,
		})
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 50, "Number of records to include, most stale first")
	reportCmd.Flags().StringVar(&reportCSVPath, "csv", "", "Path to write CSV report")
	reportCmd.Flags().StringVar(&reportPNGPath, "png", "", "Path to write PNG age chart")
}
