package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrJobRevoked is the cancellation cause of a running job whose handle was cancelled.
	ErrJobRevoked = errors.New("job revoked")
	// ErrNoHandler is returned when a job fires before Subscribe was called.
	ErrNoHandler = errors.New("no job handler subscribed")
)

// JobPayload identifies the campaign run a job performs.
type JobPayload struct {
	CampaignID int64 `json:"campaign_id"`
	Attempt    int   `json:"attempt"`
}

// Job is one scheduled execution.
type Job struct {
	ID         string        `json:"id"`
	Payload    JobPayload    `json:"payload"`
	RunAt      time.Time     `json:"run_at"`
	ExpireAt   time.Time     `json:"expire_at"`
	SoftBudget time.Duration `json:"soft_budget"`
}

// Expired reports whether the job may no longer start at now.
func (j Job) Expired(now time.Time) bool {
	return !j.ExpireAt.IsZero() && !now.Before(j.ExpireAt)
}

// Deadline is min(fired+SoftBudget, ExpireAt). The zero time means no deadline.
func (j Job) Deadline(fired time.Time) time.Time {
	var d time.Time
	if j.SoftBudget > 0 {
		d = fired.Add(j.SoftBudget)
	}
	if !j.ExpireAt.IsZero() && (d.IsZero() || j.ExpireAt.Before(d)) {
		d = j.ExpireAt
	}
	return d
}

// Handler runs a fired job.
type Handler func(ctx context.Context, job Job) error

// NewJobID returns a fresh job handle. Callers persist it before scheduling
// so a job that fires at once already finds its handle stored.
func NewJobID() string { return uuid.NewString() }

// Scheduler defers campaign runs and lets callers revoke them.
type Scheduler interface {
	// Schedule arms job under job.ID. Scheduling an ID that is still pending replaces it.
	Schedule(ctx context.Context, job Job) error
	// Cancel is idempotent. Unknown or already finished handles are not an error.
	Cancel(ctx context.Context, jobID string) error
	Subscribe(h Handler) error
}

// runner holds the handler and the cancel funcs of in-flight jobs.
type runner struct {
	mu      sync.Mutex
	handler Handler
	running map[string]context.CancelCauseFunc

	log zerolog.Logger
	now func() time.Time
}

func (r *runner) init(log zerolog.Logger, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.running = map[string]context.CancelCauseFunc{}
	r.log = log
	r.now = now
}

func (r *runner) subscribe(h Handler) error {
	if h == nil {
		return fmt.Errorf("subscribe: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
	return nil
}

// revokeRunning cancels the context of an in-flight job and reports whether one was found.
func (r *runner) revokeRunning(id string) bool {
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel(ErrJobRevoked)
	}
	return ok
}

// run executes job with its deadline. Expired jobs are dropped without error.
func (r *runner) run(parent context.Context, job Job) error {
	fired := r.now()
	log := r.log.With().Str("job_id", job.ID).Int64("campaign_id", job.Payload.CampaignID).Int("attempt", job.Payload.Attempt).Logger()

	if job.Expired(fired) {
		log.Warn().Time("expire_at", job.ExpireAt).Msg("job expired before it could run, dropped")
		return nil
	}

	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return ErrNoHandler
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	if d := job.Deadline(fired); !d.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, d)
		defer cancelDeadline()
	}

	r.mu.Lock()
	r.running[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
	}()

	log.Debug().Msg("job started")
	start := time.Now()
	err := h(ctx, job)
	if err != nil {
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("job failed")
		return err
	}
	log.Debug().Dur("took", time.Since(start)).Msg("job finished")
	return nil
}
