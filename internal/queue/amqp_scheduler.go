package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const (
	// JobsQueue receives jobs that are due.
	JobsQueue = "mailing_jobs"
	// RevokeExchange fans revocations out to every consumer.
	RevokeExchange = "mailing_jobs.revoke"

	delayQueuePrefix = "mailing_jobs.delay."
	pruneInterval    = 10 * time.Minute
)

// RevokedSet is the persisted set of cancelled handles a consumer consults
// before running a job.
type RevokedSet interface {
	Revoke(ctx context.Context, id string, revokedAt, until time.Time) error
	IsRevoked(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
	Prune(ctx context.Context, now time.Time) (int, error)
}

type AMQPConfig struct {
	URL      string
	Prefetch int
	// RevokeRetention bounds how long a revocation is remembered.
	RevokeRetention time.Duration
}

type revokeMessage struct {
	ID    string    `json:"id"`
	Until time.Time `json:"until"`
}

// AMQPScheduler schedules jobs on RabbitMQ. Delays use per-delay TTL queues
// that dead-letter into JobsQueue.
type AMQPScheduler struct {
	runner

	cfg     AMQPConfig
	conn    *amqp.Connection
	pub     *amqp.Channel
	pubMu   sync.Mutex
	revoked RevokedSet

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// DialAMQP connects to the broker and declares the jobs queue and revoke exchange.
func DialAMQP(cfg AMQPConfig, revoked RevokedSet, log zerolog.Logger, now func() time.Time) (*AMQPScheduler, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	if cfg.RevokeRetention <= 0 {
		cfg.RevokeRetention = 31 * 24 * time.Hour
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err = ch.QueueDeclare(
		JobsQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", JobsQueue, err)
	}
	if err = ch.ExchangeDeclare(RevokeExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", RevokeExchange, err)
	}

	s := &AMQPScheduler{cfg: cfg, conn: conn, pub: ch, revoked: revoked}
	s.runner.init(log.With().Str("component", "amqp_scheduler").Logger(), now)
	s.base, s.stop = context.WithCancel(context.Background())
	return s, nil
}

// delayFor rounds the wait up to whole seconds so few TTL queues exist.
func delayFor(runAt, now time.Time) time.Duration {
	d := runAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

func delayQueueName(delay time.Duration) string {
	return delayQueuePrefix + strconv.FormatInt(delay.Milliseconds(), 10)
}

func delayQueueArgs(delay time.Duration) amqp.Table {
	ms := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": JobsQueue,
		"x-expires":                 ms + time.Minute.Milliseconds(),
	}
}

// Schedule publishes job. A job published twice under one ID runs twice;
// the dispatcher treats the second run like any resumed run.
func (s *AMQPScheduler) Schedule(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return ErrEmptyJobID
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	now := s.now()
	routingKey := JobsQueue
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if delay := delayFor(job.RunAt, now); delay > 0 {
		routingKey = delayQueueName(delay)
		// redeclaring resets x-expires
		if _, err = s.pub.QueueDeclare(routingKey, true, false, false, false, delayQueueArgs(delay)); err != nil {
			return fmt.Errorf("declare %s: %w", routingKey, err)
		}
	}

	err = s.pub.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	s.log.Debug().Str("job_id", job.ID).Int64("campaign_id", job.Payload.CampaignID).Str("queue", routingKey).Msg("job scheduled")
	return nil
}

// Cancel broadcasts the revocation to every consumer.
func (s *AMQPScheduler) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	now := s.now()
	body, err := json.Marshal(revokeMessage{ID: jobID, Until: now.Add(s.cfg.RevokeRetention)})
	if err != nil {
		return fmt.Errorf("encode revocation: %w", err)
	}

	s.pubMu.Lock()
	err = s.pub.Publish(RevokeExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	})
	s.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish revocation of %s: %w", jobID, err)
	}
	s.log.Debug().Str("job_id", jobID).Msg("revocation published")
	return nil
}

// Subscribe starts consuming due jobs and revocations.
func (s *AMQPScheduler) Subscribe(h Handler) error {
	if err := s.subscribe(h); err != nil {
		return err
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err = ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	jobs, err := ch.Consume(
		JobsQueue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", JobsQueue, err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("declare revoke queue: %w", err)
	}
	if err = ch.QueueBind(q.Name, "", RevokeExchange, false, nil); err != nil {
		return fmt.Errorf("bind revoke queue: %w", err)
	}
	revocations, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume revocations: %w", err)
	}

	s.wg.Add(3)
	go s.consumeJobs(jobs)
	go s.consumeRevocations(revocations)
	go s.pruneLoop()
	s.log.Info().Int("prefetch", s.cfg.Prefetch).Msg("consuming mailing jobs")
	return nil
}

func (s *AMQPScheduler) consumeJobs(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		s.wg.Add(1)
		go func(d amqp.Delivery) {
			defer s.wg.Done()
			s.handleDelivery(d)
		}(d)
	}
}

func (s *AMQPScheduler) handleDelivery(d amqp.Delivery) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		s.log.Error().Err(err).Msg("invalid job payload, dropped")
		_ = d.Reject(false)
		return
	}

	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(s.base, job.ID)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("revoked set lookup failed")
		}
		if revoked {
			s.log.Info().Str("job_id", job.ID).Int64("campaign_id", job.Payload.CampaignID).Msg("revoked job dropped")
			_ = s.revoked.Forget(s.base, job.ID)
			_ = d.Ack(false)
			return
		}
	}

	err := s.run(s.base, job)
	if s.base.Err() != nil {
		// shutting down: hand the job to another consumer
		_ = d.Nack(false, true)
		return
	}
	if err != nil && errors.Is(err, ErrNoHandler) {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (s *AMQPScheduler) consumeRevocations(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()
	for d := range deliveries {
		s.applyRevocation(d.Body)
	}
}

func (s *AMQPScheduler) applyRevocation(body []byte) {
	var msg revokeMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.ID == "" {
		s.log.Error().Err(err).Msg("invalid revocation, ignored")
		return
	}
	if s.revoked != nil {
		if err := s.revoked.Revoke(s.base, msg.ID, s.now(), msg.Until); err != nil {
			s.log.Error().Err(err).Str("job_id", msg.ID).Msg("persist revocation failed")
		}
	}
	if s.revokeRunning(msg.ID) {
		s.log.Info().Str("job_id", msg.ID).Msg("running job revoked")
	}
}

func (s *AMQPScheduler) pruneLoop() {
	defer s.wg.Done()
	if s.revoked == nil {
		return
	}
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-s.base.Done():
			return
		case <-t.C:
			n, err := s.revoked.Prune(s.base, s.now())
			if err != nil {
				s.log.Error().Err(err).Msg("prune revoked jobs failed")
				continue
			}
			if n > 0 {
				s.log.Debug().Int("pruned", n).Msg("pruned revoked jobs")
			}
		}
	}
}

// Close cancels running jobs, closes the connection and waits for consumers.
func (s *AMQPScheduler) Close(ctx context.Context) error {
	s.stop()
	err := s.conn.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

var _ Scheduler = (*AMQPScheduler)(nil)
