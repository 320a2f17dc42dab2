package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailing-service/internal/notify"
)

const reportTimeout = 5 * time.Minute

// DailyReporter sends the statistics report for a given day.
type DailyReporter interface {
	SendDailyReport(ctx context.Context, date time.Time) (notify.Report, error)
}

// ReportCron runs the previous-day report on a cron spec, in UTC.
type ReportCron struct {
	c   *cron.Cron
	id  cron.EntryID
	log zerolog.Logger
}

func NewReportCron(spec string, reporter DailyReporter, log zerolog.Logger, now func() time.Time) (*ReportCron, error) {
	if now == nil {
		now = time.Now
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))

	r := &ReportCron{c: c, log: log.With().Str("component", "report_cron").Logger()}
	id, err := c.AddFunc(spec, func() { r.runFor(reporter, now().UTC().AddDate(0, 0, -1)) })
	if err != nil {
		return nil, fmt.Errorf("invalid report schedule %q: %w", spec, err)
	}
	r.id = id
	return r, nil
}

func (r *ReportCron) runFor(reporter DailyReporter, day time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := reporter.SendDailyReport(ctx, day); err != nil {
		r.log.Error().Err(err).Str("date", day.Format(time.DateOnly)).Msg("daily report failed")
	}
}

// Next is the next scheduled run.
func (r *ReportCron) Next() time.Time { return r.c.Entry(r.id).Next }

func (r *ReportCron) Start() {
	r.c.Start()
	r.log.Info().Time("next_run", r.Next()).Msg("daily report scheduled")
}

// Stop waits for a running report to finish or ctx to end.
func (r *ReportCron) Stop(ctx context.Context) {
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
}
