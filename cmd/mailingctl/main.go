package main

import (
	"context"
	"database/sql"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unclebandit/mailing-service/internal/app"
	"github.com/unclebandit/mailing-service/internal/config"
	"github.com/unclebandit/mailing-service/internal/logging"
)

var envFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "mailingctl",
	Short:         "Administer the mailing service.",
	Long:          `Administer the mailing service: seed demo data, list campaigns and build statistics reports.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(seedCmd, reportCmd, campaignsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env holds what every subcommand needs.
type env struct {
	cfg   config.Config
	log   zerolog.Logger
	conn  *sql.DB
	repos app.Repositories
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.LogLevel, true)
	conn, err := app.OpenDB(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, conn: conn, repos: app.NewRepositories(conn)}, nil
}

func (e *env) Close() error { return e.conn.Close() }
