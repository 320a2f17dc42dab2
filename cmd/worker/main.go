package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/mailing-service/internal/app"
	"github.com/unclebandit/mailing-service/internal/config"
	"github.com/unclebandit/mailing-service/internal/logging"
	"github.com/unclebandit/mailing-service/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "mailing-worker").Logger()
	if cfg.Scheduler.Driver != config.DriverAMQP {
		return fmt.Errorf("worker needs SCHEDULER_DRIVER=%s, the %s driver runs inside the server", config.DriverAMQP, cfg.Scheduler.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "mailing-worker", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	conn, err := app.OpenDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	repos := app.NewRepositories(conn)

	sched, err := app.OpenScheduler(cfg, true, log)
	if err != nil {
		return err
	}

	dispatcher := app.NewDispatcher(cfg, repos, sched, log)
	if err := sched.Subscribe(dispatcher.HandleJob); err != nil {
		_ = sched.Close(context.Background())
		return err
	}

	reports, err := app.NewReportCron(cfg.Mailing.ReportCron, app.NewStatisticsService(cfg, repos, log), log, time.Now)
	if err != nil {
		_ = sched.Close(context.Background())
		return err
	}
	reports.Start()

	log.Info().Msg("worker running, waiting for jobs")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	reports.Stop(sctx)
	return sched.Close(sctx)
}
