package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrSchedulerClosed is returned by Schedule after Close.
	ErrSchedulerClosed = errors.New("scheduler closed")
	// ErrEmptyJobID is returned by Schedule for a job without a handle.
	ErrEmptyJobID = errors.New("job has no id")
)

type timerEntry struct {
	job   Job
	timer *time.Timer
	ver   uint64
}

// TimerScheduler keeps pending jobs in process memory, one timer each.
// Pending jobs are lost on restart.
type TimerScheduler struct {
	runner

	tmu    sync.Mutex
	timers map[string]*timerEntry
	ver    uint64
	closed bool

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewTimerScheduler builds an in-process scheduler. now may be nil.
func NewTimerScheduler(log zerolog.Logger, now func() time.Time) *TimerScheduler {
	s := &TimerScheduler{timers: map[string]*timerEntry{}}
	s.runner.init(log.With().Str("component", "timer_scheduler").Logger(), now)
	s.base, s.stop = context.WithCancel(context.Background())
	return s
}

func (s *TimerScheduler) Schedule(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return ErrEmptyJobID
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if prev, ok := s.timers[job.ID]; ok {
		prev.timer.Stop()
	}

	// bump version to ignore stale callbacks from stopped timers
	s.ver++
	entry := &timerEntry{job: job, ver: s.ver}
	delay := job.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id, ver := job.ID, entry.ver
	entry.timer = time.AfterFunc(delay, func() { s.fire(id, ver) })
	s.timers[id] = entry

	s.log.Debug().Str("job_id", id).Int64("campaign_id", job.Payload.CampaignID).Time("run_at", job.RunAt).Msg("job scheduled")
	return nil
}

func (s *TimerScheduler) fire(id string, ver uint64) {
	s.tmu.Lock()
	entry, ok := s.timers[id]
	if !ok || entry.ver != ver || s.closed {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	s.wg.Add(1)
	s.tmu.Unlock()

	defer s.wg.Done()
	_ = s.run(s.base, entry.job)
}

func (s *TimerScheduler) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	s.tmu.Lock()
	if entry, ok := s.timers[jobID]; ok {
		entry.timer.Stop()
		delete(s.timers, jobID)
		s.tmu.Unlock()
		s.log.Debug().Str("job_id", jobID).Msg("pending job cancelled")
		return nil
	}
	s.tmu.Unlock()

	if s.revokeRunning(jobID) {
		s.log.Info().Str("job_id", jobID).Msg("running job revoked")
	}
	return nil
}

func (s *TimerScheduler) Subscribe(h Handler) error {
	return s.subscribe(h)
}

// Pending returns the jobs that have not fired yet, ordered by RunAt.
func (s *TimerScheduler) Pending() []Job {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	jobs := make([]Job, 0, len(s.timers))
	for _, e := range s.timers {
		jobs = append(jobs, e.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
	return jobs
}

// Close stops pending timers, cancels running jobs and waits for them to return.
func (s *TimerScheduler) Close(ctx context.Context) error {
	s.tmu.Lock()
	if s.closed {
		s.tmu.Unlock()
		return nil
	}
	s.closed = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Scheduler = (*TimerScheduler)(nil)
