// Package app assembles repositories, the scheduler driver and services from
// configuration. The server, worker and CLI binaries share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailing-service/internal/config"
	"github.com/unclebandit/mailing-service/internal/db"
	"github.com/unclebandit/mailing-service/internal/jobstore"
	"github.com/unclebandit/mailing-service/internal/notify"
	"github.com/unclebandit/mailing-service/internal/queue"
	"github.com/unclebandit/mailing-service/internal/repository"
	"github.com/unclebandit/mailing-service/internal/sender"
	"github.com/unclebandit/mailing-service/internal/service"
)

type Repositories struct {
	Campaigns  *repository.CampaignRepository
	Messages   *repository.MessageRepository
	Clients    *repository.ClientRepository
	Statistics *repository.StatisticsRepository
}

func NewRepositories(conn *sql.DB) Repositories {
	return Repositories{
		Campaigns:  &repository.CampaignRepository{DB: conn},
		Messages:   &repository.MessageRepository{DB: conn},
		Clients:    &repository.ClientRepository{DB: conn},
		Statistics: &repository.StatisticsRepository{DB: conn},
	}
}

// OpenDB opens Postgres with the pool settings from cfg.
func OpenDB(ctx context.Context, cfg config.Config, log zerolog.Logger) (*sql.DB, error) {
	return db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		Migrate:         cfg.DB.Migrate,
	}, log)
}

// Scheduler is a queue.Scheduler that can be shut down.
type Scheduler interface {
	queue.Scheduler
	Close(ctx context.Context) error
}

// OpenScheduler builds the configured driver. With consume set the AMQP driver
// also opens the persisted revoked-job set its consumer needs.
func OpenScheduler(cfg config.Config, consume bool, log zerolog.Logger) (Scheduler, error) {
	switch cfg.Scheduler.Driver {
	case config.DriverMemory:
		return queue.NewTimerScheduler(log, time.Now), nil
	case config.DriverAMQP:
		var (
			revoked queue.RevokedSet
			store   *jobstore.Store
		)
		if consume {
			var err error
			if store, err = jobstore.Open(cfg.Scheduler.JobStorePath); err != nil {
				return nil, err
			}
			revoked = store
		}
		s, err := queue.DialAMQP(queue.AMQPConfig{
			URL:             cfg.Scheduler.AMQPURL,
			Prefetch:        cfg.Scheduler.Prefetch,
			RevokeRetention: cfg.Scheduler.RevokeRetention,
		}, revoked, log, time.Now)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if store == nil {
			return s, nil
		}
		return &storeClosingScheduler{AMQPScheduler: s, store: store}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler driver %q", cfg.Scheduler.Driver)
	}
}

type storeClosingScheduler struct {
	*queue.AMQPScheduler
	store *jobstore.Store
}

func (s *storeClosingScheduler) Close(ctx context.Context) error {
	return errors.Join(s.AMQPScheduler.Close(ctx), s.store.Close())
}

// NewChannel builds the HTTP sending channel, rate limited when configured.
func NewChannel(cfg config.Config, log zerolog.Logger) sender.Channel {
	ch := sender.NewHTTPChannel(cfg.Sender.URL, cfg.Sender.Token, cfg.Sender.Timeout, log)
	return sender.NewRateLimited(ch, cfg.Mailing.SendRate, cfg.Mailing.SendBurst)
}

func NewDispatcher(cfg config.Config, repos Repositories, sched queue.Scheduler, log zerolog.Logger) *service.Dispatcher {
	return service.NewDispatcher(
		repos.Campaigns,
		repos.Messages,
		repos.Clients,
		NewChannel(cfg, log),
		sched,
		log,
		time.Now,
		service.DispatcherConfig{
			RetryDelay:  cfg.Mailing.RetryDelay,
			InsertBatch: cfg.Mailing.InsertBatch,
			FetchBatch:  cfg.Mailing.FetchBatch,
		},
	)
}

func NewCampaignService(repos Repositories, sched queue.Scheduler, log zerolog.Logger) *service.CampaignService {
	return &service.CampaignService{
		CampaignRepo: repos.Campaigns,
		MessageRepo:  repos.Messages,
		Scheduler:    sched,
		Logger:       log.With().Str("component", "campaigns").Logger(),
		Clock:        time.Now,
	}
}

func NewStatisticsService(cfg config.Config, repos Repositories, log zerolog.Logger) *service.StatisticsService {
	return &service.StatisticsService{
		StatsRepo:    repos.Statistics,
		CampaignRepo: repos.Campaigns,
		MessageRepo:  repos.Messages,
		Notifier:     NewNotifier(cfg),
		Logger:       log.With().Str("component", "statistics").Logger(),
	}
}

// NewNotifier fans reports out to every configured channel.
func NewNotifier(cfg config.Config) notify.Notifier {
	var out notify.Multi
	if cfg.Email.Enabled() {
		out = append(out, notify.NewSMTPNotifier(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password, cfg.Email.From, cfg.Email.To))
	}
	if cfg.Slack.Enabled() {
		out = append(out, notify.NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel))
	}
	if len(out) == 0 {
		return notify.Nop{}
	}
	return out
}
