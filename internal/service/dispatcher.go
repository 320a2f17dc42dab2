package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/queue"
	"github.com/unclebandit/mailing-service/internal/repository"
	"github.com/unclebandit/mailing-service/internal/sender"
)

const instrumentationName = "github.com/unclebandit/mailing-service/internal/service"

// sweepTimeout bounds the expiry sweep, which runs even after the job context ended.
const sweepTimeout = 30 * time.Second

type DispatcherConfig struct {
	// RetryDelay is both the pause before a retry and the minimum budget worth retrying for.
	RetryDelay  time.Duration
	InsertBatch int
	FetchBatch  int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RetryDelay:  300 * time.Second,
		InsertBatch: 500,
		FetchBatch:  1000,
	}
}

// Dispatcher executes one campaign run per fired job.
type Dispatcher struct {
	Campaigns repository.CampaignRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	Clients   repository.ClientRepositoryInterface
	Channel   sender.Channel
	Scheduler queue.Scheduler
	Logger    zerolog.Logger
	Clock     Clock
	Config    DispatcherConfig

	tracer      trace.Tracer
	delivered   metric.Int64Counter
	rejected    metric.Int64Counter
	unreachable metric.Int64Counter
}

func NewDispatcher(
	campaigns repository.CampaignRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	clients repository.ClientRepositoryInterface,
	channel sender.Channel,
	scheduler queue.Scheduler,
	log zerolog.Logger,
	clock Clock,
	cfg DispatcherConfig,
) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.InsertBatch <= 0 {
		cfg.InsertBatch = def.InsertBatch
	}
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = def.FetchBatch
	}
	if clock == nil {
		clock = time.Now
	}

	d := &Dispatcher{
		Campaigns: campaigns,
		Messages:  messages,
		Clients:   clients,
		Channel:   channel,
		Scheduler: scheduler,
		Logger:    log.With().Str("component", "dispatcher").Logger(),
		Clock:     clock,
		Config:    cfg,
		tracer:    otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	d.delivered = d.counter(meter, "mailing.messages.delivered", "Messages accepted by the sending service")
	d.rejected = d.counter(meter, "mailing.messages.rejected", "Messages refused by the sending service")
	d.unreachable = d.counter(meter, "mailing.messages.unreachable", "Send attempts that could not reach the sending service")
	return d
}

func (d *Dispatcher) counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		d.Logger.Warn().Err(err).Str("instrument", name).Msg("metric disabled")
		return noop.Int64Counter{}
	}
	return c
}

// HandleJob is the queue handler for campaign jobs. A run that fails on a
// store or broker error is re-armed under the same handle after RetryDelay.
func (d *Dispatcher) HandleJob(ctx context.Context, job queue.Job) error {
	log := d.Logger.With().Str("job_id", job.ID).Int64("campaign_id", job.Payload.CampaignID).Int("attempt", job.Payload.Attempt).Logger()

	err := d.handle(ctx, job, log)
	if err == nil {
		return nil
	}
	// revoked or shutting down: the job is not ours to re-arm
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return d.retryAfterError(ctx, job, err, log)
}

func (d *Dispatcher) handle(ctx context.Context, job queue.Job, log zerolog.Logger) error {
	c, err := d.Campaigns.GetByID(ctx, job.Payload.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Info().Msg("campaign gone, job no-op")
			return nil
		}
		return err
	}
	// handles are stored before their job is scheduled
	if c.CurrentJob() != job.ID {
		log.Info().Str("current_job", c.CurrentJob()).Msg("stale job, no-op")
		return nil
	}

	switch c.Status {
	case model.CampaignPending:
		ok, err := d.Campaigns.SetStatus(ctx, c.ID, []model.CampaignStatus{model.CampaignPending}, model.CampaignStarted, nil)
		if err != nil {
			return err
		}
		if !ok {
			log.Info().Msg("campaign left pending before start, job no-op")
			return nil
		}
		c.Status = model.CampaignStarted
		log.Info().Msg("campaign started")
	case model.CampaignStarted:
		log.Info().Msg("campaign resumed")
	default:
		log.Info().Stringer("status", c.Status).Msg("campaign not runnable, job no-op")
		return nil
	}

	if !d.Clock().Before(c.FinishDate) {
		return d.expire(ctx, c, "campaign window closed", log)
	}
	return d.Run(ctx, c, job.Payload.Attempt)
}

// retryAfterError re-arms job under its own handle, so the stored handle stays
// valid without a store write. The copy carries no expiry: when it runs after
// the window closed the campaign is expired instead of dropped.
func (d *Dispatcher) retryAfterError(ctx context.Context, job queue.Job, cause error, log zerolog.Logger) error {
	retry := queue.Job{
		ID:      job.ID,
		Payload: job.Payload,
		RunAt:   d.Clock().Add(d.Config.RetryDelay),
	}
	if err := d.Scheduler.Schedule(context.WithoutCancel(ctx), retry); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("run failed and could not be re-armed")
		return errors.Join(cause, err)
	}
	log.Warn().Err(cause).Time("run_at", retry.RunAt).Msg("run failed, job re-armed")
	return nil
}

// Run delivers every pending message of a Started campaign until the campaign
// succeeds, is suspended for a retry, expires or is cancelled.
func (d *Dispatcher) Run(ctx context.Context, c *model.Campaign, attempt int) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.run", trace.WithAttributes(
		attribute.Int64("campaign_id", c.ID),
		attribute.Int("attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := d.Logger.With().Int64("campaign_id", c.ID).Int("attempt", attempt).Logger()

	if attempt == 0 {
		has, err := d.Messages.HasMessages(ctx, c.ID)
		if err != nil {
			return err
		}
		if !has {
			n, err := d.materialize(ctx, c)
			if err != nil {
				return fmt.Errorf("materialize messages of campaign %d: %w", c.ID, err)
			}
			log.Info().Int("messages", n).Msg("messages created")
		}
	}

	var rejected []int64
	for {
		stop, err := d.interrupted(ctx, c, log)
		if stop || err != nil {
			return err
		}

		batch, err := d.Messages.FetchPending(ctx, c.ID, d.Config.FetchBatch, rejected)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if len(batch) == 0 {
			if len(rejected) == 0 {
				return d.succeed(ctx, c, log)
			}
			return d.retryOrExpire(ctx, c, attempt, fmt.Sprintf("%d rejected messages remain", len(rejected)), log)
		}

		unreachable, err := d.sendBatch(ctx, c, batch, &rejected, log)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if unreachable != nil && ctx.Err() == nil {
			return d.retryOrExpire(ctx, c, attempt, unreachable.Reason, log)
		}
	}
}

// interrupted reports whether the run must stop before the next fetch.
// An exhausted soft budget triggers the expiry sweep.
func (d *Dispatcher) interrupted(ctx context.Context, c *model.Campaign, log zerolog.Logger) (bool, error) {
	if err := ctx.Err(); err != nil {
		switch {
		case errors.Is(context.Cause(ctx), queue.ErrJobRevoked):
			log.Info().Msg("job revoked, run stopped")
			return true, nil
		case errors.Is(err, context.DeadlineExceeded):
			return true, d.expire(ctx, c, "soft time budget exhausted", log)
		default:
			return true, err
		}
	}

	if !d.Clock().Before(c.FinishDate) {
		return true, d.expire(ctx, c, "campaign window closed", log)
	}

	cur, err := d.Campaigns.GetByID(ctx, c.ID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Info().Msg("campaign deleted, run stopped")
			return true, nil
		}
		if ctx.Err() != nil {
			return d.interrupted(ctx, c, log)
		}
		return true, err
	}
	if cur.Status != model.CampaignStarted {
		log.Info().Stringer("status", cur.Status).Msg("campaign no longer started, run stopped")
		return true, nil
	}
	// text edits are allowed while started
	c.Text = cur.Text
	return false, nil
}

func (d *Dispatcher) sendBatch(ctx context.Context, c *model.Campaign, batch []model.PendingMessage, rejected *[]int64, log zerolog.Logger) (*sender.Unreachable, error) {
	attrs := metric.WithAttributes(attribute.Int64("campaign_id", c.ID))
	for _, m := range batch {
		if ctx.Err() != nil || !d.Clock().Before(c.FinishDate) {
			return nil, nil
		}
		switch out := d.Channel.Send(ctx, m.MessageID, m.Phone, c.Text).(type) {
		case sender.Delivered:
			d.delivered.Add(ctx, 1, attrs)
			if _, err := d.Messages.MarkSent(ctx, m.MessageID, d.Clock()); err != nil {
				return nil, err
			}
		case sender.Rejected:
			d.rejected.Add(ctx, 1, attrs)
			log.Warn().Int64("message_id", m.MessageID).Str("reason", out.Reason).Msg("message rejected")
			*rejected = append(*rejected, m.MessageID)
		case sender.Unreachable:
			d.unreachable.Add(ctx, 1, attrs)
			log.Warn().Int64("message_id", m.MessageID).Str("reason", out.Reason).Msg("sending service unreachable")
			return &out, nil
		default:
			return nil, fmt.Errorf("unknown send outcome %T", out)
		}
	}
	return nil, nil
}

// retryOrExpire suspends the run with a new job when enough window is left,
// otherwise it closes the campaign as expired.
func (d *Dispatcher) retryOrExpire(ctx context.Context, c *model.Campaign, attempt int, reason string, log zerolog.Logger) error {
	now := d.Clock()
	remaining := RemainingSeconds(c.StartDate, c.FinishDate, now)
	if remaining <= int64(d.Config.RetryDelay/time.Second) {
		return d.expire(ctx, c, reason, log)
	}

	prev := c.JobID
	retry := queue.Job{
		ID:         queue.NewJobID(),
		Payload:    queue.JobPayload{CampaignID: c.ID, Attempt: attempt + 1},
		RunAt:      now.Add(d.Config.RetryDelay),
		ExpireAt:   c.FinishDate,
		SoftBudget: time.Duration(remaining) * time.Second,
	}
	if err := d.Campaigns.SetJobID(ctx, c.ID, &retry.ID); err != nil {
		return err
	}
	if err := d.Scheduler.Schedule(ctx, retry); err != nil {
		log.Error().Err(err).Msg("schedule retry failed")
		// hand the campaign back to the running job so it can be re-armed
		if rerr := d.Campaigns.SetJobID(context.WithoutCancel(ctx), c.ID, prev); rerr != nil {
			log.Error().Err(rerr).Msg("restore job handle failed")
		}
		return fmt.Errorf("schedule retry of campaign %d: %w", c.ID, err)
	}
	c.JobID = &retry.ID

	log.Info().Str("job_id", retry.ID).Time("run_at", retry.RunAt).Int64("remaining_s", remaining).Str("reason", reason).
		Msg("campaign suspended, retry scheduled")
	return nil
}

// expire moves the campaign to ExpiredByTime and marks every unprocessed
// message NotSent in one transaction. It runs on a detached context so an
// exhausted job budget does not abort it.
func (d *Dispatcher) expire(ctx context.Context, c *model.Campaign, reason string, log zerolog.Logger) error {
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sweepTimeout)
	defer cancel()

	now := d.Clock()
	ok, n, err := d.Campaigns.Expire(sweepCtx, c.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Msg("campaign already left started, expiry skipped")
		return nil
	}
	c.Status = model.CampaignExpiredByTime
	c.FinishDate = now
	log.Info().Int64("not_sent", n).Str("reason", reason).Msg("campaign expired")
	return nil
}

// succeed closes the campaign once no message is left to process. Messages
// whose recipient was deleted are closed as NotSent on the way.
func (d *Dispatcher) succeed(ctx context.Context, c *model.Campaign, log zerolog.Logger) error {
	ok, orphans, err := d.Campaigns.Complete(ctx, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Msg("campaign left started or still has unprocessed messages, success skipped")
		return nil
	}
	c.Status = model.CampaignSuccess
	log.Info().Int64("orphaned", orphans).Msg("campaign finished")
	return nil
}

// materialize creates one unprocessed message per matching recipient.
func (d *Dispatcher) materialize(ctx context.Context, c *model.Campaign) (int, error) {
	var (
		after int64
		total int
	)
	for {
		clients, err := d.Clients.ListFiltered(ctx, c.TagIDs, c.CodeIDs, after, d.Config.InsertBatch)
		if err != nil {
			return total, err
		}
		if len(clients) == 0 {
			return total, nil
		}

		msgs := make([]model.Message, len(clients))
		for i := range clients {
			clientID := clients[i].ID
			msgs[i] = model.Message{CampaignID: c.ID, ClientID: &clientID}
		}
		if err := d.Messages.BulkCreate(ctx, msgs); err != nil {
			return total, err
		}
		total += len(msgs)
		after = clients[len(clients)-1].ID

		if len(clients) < d.Config.InsertBatch {
			return total, nil
		}
	}
}
