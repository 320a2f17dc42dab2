package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/notify"
	"github.com/unclebandit/mailing-service/internal/repository"
)

const reportDateLayout = "2006-01-02"

type StatisticsService struct {
	StatsRepo    repository.StatisticsRepositoryInterface
	CampaignRepo repository.CampaignRepositoryInterface
	MessageRepo  repository.MessageRepositoryInterface
	Notifier     notify.Notifier
	Logger       zerolog.Logger
}

// DayWindow returns [date 00:00 UTC, +1 day).
func DayWindow(date time.Time) (time.Time, time.Time) {
	d := date.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// ForDate rolls up every campaign whose window overlaps the given day.
func (s *StatisticsService) ForDate(ctx context.Context, date time.Time) ([]model.CampaignStats, error) {
	from, to := DayWindow(date)
	return s.StatsRepo.Summaries(ctx, repository.StatsFilter{From: &from, To: &to})
}

// Overall rolls up every campaign.
func (s *StatisticsService) Overall(ctx context.Context) ([]model.CampaignStats, error) {
	return s.StatsRepo.Summaries(ctx, repository.StatsFilter{})
}

// Detail returns one campaign's rollup with its filters and messages.
func (s *StatisticsService) Detail(ctx context.Context, campaignID int64) (*model.CampaignStatsDetail, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.StatsRepo.Summaries(ctx, repository.StatsFilter{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	msgs, err := s.MessageRepo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &model.CampaignStatsDetail{
		CampaignStats: stats[0],
		TagIDs:        c.TagIDs,
		CodeIDs:       c.CodeIDs,
		Messages:      msgs,
	}, nil
}

var reportHeader = []string{"ID", "Start", "Finish", "Status", "Sent", "Not sent", "Text"}

func statsRow(st model.CampaignStats) []string {
	return []string{
		strconv.FormatInt(st.ID, 10),
		st.StartDate.UTC().Format(time.RFC3339),
		st.FinishDate.UTC().Format(time.RFC3339),
		st.Status.String(),
		strconv.Itoa(st.SendSuccess),
		strconv.Itoa(st.SendFailed),
		st.Text,
	}
}

// RenderTable writes stats as a plain-text table.
func RenderTable(w io.Writer, stats []model.CampaignStats) error {
	table := tablewriter.NewWriter(w)
	table.Header(reportHeader)
	for _, st := range stats {
		if err := table.Append(statsRow(st)); err != nil {
			return err
		}
	}
	return table.Render()
}

// BuildReport renders stats for date as a CSV artifact and a text table.
func BuildReport(date time.Time, stats []model.CampaignStats) (notify.Report, error) {
	day, _ := DayWindow(date)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	header := make([]string, len(reportHeader))
	for i, h := range reportHeader {
		header[i] = strings.ReplaceAll(strings.ToLower(h), " ", "_")
	}
	if err := cw.Write(header); err != nil {
		return notify.Report{}, err
	}
	for _, st := range stats {
		if err := cw.Write(statsRow(st)); err != nil {
			return notify.Report{}, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return notify.Report{}, fmt.Errorf("write report csv: %w", err)
	}

	var table strings.Builder
	if err := RenderTable(&table, stats); err != nil {
		return notify.Report{}, fmt.Errorf("render report table: %w", err)
	}

	return notify.Report{
		Date:     day,
		Subject:  "Mailing statistics " + day.Format(reportDateLayout),
		Filename: "statistics_" + day.Format(reportDateLayout) + ".csv",
		CSV:      buf.Bytes(),
		Table:    table.String(),
	}, nil
}

// SendDailyReport builds the report for date and hands it to the notifier.
func (s *StatisticsService) SendDailyReport(ctx context.Context, date time.Time) (notify.Report, error) {
	stats, err := s.ForDate(ctx, date)
	if err != nil {
		return notify.Report{}, err
	}
	report, err := BuildReport(date, stats)
	if err != nil {
		return notify.Report{}, err
	}
	if s.Notifier == nil {
		return report, nil
	}
	if err := s.Notifier.Notify(ctx, report); err != nil {
		s.Logger.Error().Err(err).Str("date", report.Date.Format(reportDateLayout)).Msg("report notification failed")
		return report, err
	}
	s.Logger.Info().Str("date", report.Date.Format(reportDateLayout)).Int("campaigns", len(stats)).Msg("daily report sent")
	return report, nil
}
