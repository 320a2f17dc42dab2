// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/mailing-service/internal/app"
	"github.com/unclebandit/mailing-service/internal/config"
	"github.com/unclebandit/mailing-service/internal/controller"
	"github.com/unclebandit/mailing-service/internal/handler"
	"github.com/unclebandit/mailing-service/internal/logging"
	"github.com/unclebandit/mailing-service/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "mailing-server").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "mailing-server", cfg.OTelEndpoint)
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

	// the memory driver runs jobs in this process, the amqp driver only publishes
	inProcess := cfg.Scheduler.Driver == config.DriverMemory
	sched, err := app.OpenScheduler(cfg, inProcess, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sched.Close(sctx); err != nil {
			log.Warn().Err(err).Msg("scheduler shutdown failed")
		}
	}()

	campaignService := app.NewCampaignService(repos, sched, log)
	statisticsService := app.NewStatisticsService(cfg, repos, log)

	if inProcess {
		dispatcher := app.NewDispatcher(cfg, repos, sched, log)
		if err := sched.Subscribe(dispatcher.HandleJob); err != nil {
			return err
		}
		n, err := campaignService.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover campaigns: %w", err)
		}
		log.Info().Int("rearmed", n).Msg("in-process dispatcher ready")

		reports, err := app.NewReportCron(cfg.Mailing.ReportCron, statisticsService, log, time.Now)
		if err != nil {
			return err
		}
		reports.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			reports.Stop(sctx)
		}()
	}

	router := handler.NewRouter(
		&controller.CampaignController{CampaignService: campaignService, Logger: log},
		&controller.StatisticsController{StatisticsService: statisticsService, Logger: log},
		log,
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("scheduler", cfg.Scheduler.Driver).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
