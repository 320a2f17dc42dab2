package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailing-service/internal/app"
	"github.com/unclebandit/mailing-service/internal/service"
)

var (
	reportDate   string
	reportNotify bool
	reportCSV    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the statistics of campaigns active on a day.",
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC().AddDate(0, 0, -1)
		if reportDate != "" {
			d, err := time.Parse(time.DateOnly, reportDate)
			if err != nil {
				return fmt.Errorf("invalid --date %q, use YYYY-MM-DD", reportDate)
			}
			date = d
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		stats := app.NewStatisticsService(e.cfg, e.repos, e.log)
		if reportNotify {
			report, err := stats.SendDailyReport(cmd.Context(), date)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Table)
			return writeCSV(reportCSV, report.CSV)
		}

		rows, err := stats.ForDate(cmd.Context(), date)
		if err != nil {
			return err
		}
		report, err := service.BuildReport(date, rows)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), report.Table)
		return writeCSV(reportCSV, report.CSV)
	},
}

func writeCSV(path string, data []byte) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	reportCmd.Flags().StringVar(&reportDate, "date", "", "day to report, YYYY-MM-DD (default yesterday, UTC)")
	reportCmd.Flags().BoolVar(&reportNotify, "notify", false, "also send the report to the configured email and Slack channels")
	reportCmd.Flags().StringVar(&reportCSV, "csv", "", "write the CSV report to this file")
}
