package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/repository"
)

var (
	campaignsStatus int
	campaignsLimit  int
)

// campaignsCmd lists campaigns, newest first.
var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "List campaigns with their status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := repository.CampaignFilter{Limit: campaignsLimit}
		if campaignsStatus >= 0 {
			s, err := model.ParseCampaignStatus(campaignsStatus)
			if err != nil {
				return err
			}
			filter.Status = &s
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		campaigns, total, err := e.repos.Campaigns.List(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("list campaigns: %w", err)
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header([]string{"ID", "Status", "Start", "Finish", "Job", "Text"})
		for _, c := range campaigns {
			if err := table.Append([]string{
				strconv.FormatInt(c.ID, 10),
				c.Status.String(),
				c.StartDate.UTC().Format(time.RFC3339),
				c.FinishDate.UTC().Format(time.RFC3339),
				c.CurrentJob(),
				c.Text,
			}); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d campaigns\n", len(campaigns), total)
		return nil
	},
}

func init() {
	campaignsCmd.Flags().IntVar(&campaignsStatus, "status", -1, "only campaigns with this status (0..4)")
	campaignsCmd.Flags().IntVar(&campaignsLimit, "limit", 50, "maximum number of campaigns to list")
}
