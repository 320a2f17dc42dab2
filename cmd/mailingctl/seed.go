package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailing-service/internal/service"
)

var seedClients int

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill an empty database with demo tags, operator codes and clients.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		opts := service.DefaultSeedOptions()
		opts.ClientsTo = opts.ClientsFrom + seedClients
		seeder := &service.Seeder{Clients: e.repos.Clients, Logger: e.log}
		res, err := seeder.Seed(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d tags, %d operator codes, %d clients\n", res.Tags, res.Codes, res.Clients)
		return nil
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedClients, "clients", 9000, "number of clients to create (at most 9000)")
}
