package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/unclebandit/mailing-service/internal/model"
)

// StatsFilter narrows the rollup. Zero values mean no restriction.
type StatsFilter struct {
	CampaignID int64
	// Campaigns whose [start, finish] window overlaps [From, To).
	From, To *time.Time
}

type StatisticsRepositoryInterface interface {
	Summaries(ctx context.Context, f StatsFilter) ([]model.CampaignStats, error)
}

type StatisticsRepository struct {
	DB *sql.DB
}

func summariesQuery(f StatsFilter) sq.SelectBuilder {
	q := psql.Select(
		"m.id", "m.start_date", "m.finish_date", "m.text", "m.status",
		fmt.Sprintf("COUNT(msg.id) FILTER (WHERE msg.status = %d)", model.MessageSent),
		fmt.Sprintf("COUNT(msg.id) FILTER (WHERE msg.status = %d)", model.MessageNotSent),
	).
		From("mailings m").
		LeftJoin("messages msg ON msg.mailing_id = m.id").
		GroupBy("m.id").
		OrderBy("m.id")
	if f.CampaignID != 0 {
		q = q.Where(sq.Eq{"m.id": f.CampaignID})
	}
	if f.To != nil {
		q = q.Where(sq.Lt{"m.start_date": *f.To})
	}
	if f.From != nil {
		q = q.Where(sq.GtOrEq{"m.finish_date": *f.From})
	}
	return q
}

// Summaries returns Sent and NotSent counts per campaign.
func (r *StatisticsRepository) Summaries(ctx context.Context, f StatsFilter) ([]model.CampaignStats, error) {
	query, args, err := summariesQuery(f).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign statistics: %w", err)
	}
	defer rows.Close()

	stats := []model.CampaignStats{}
	for rows.Next() {
		var s model.CampaignStats
		if err := rows.Scan(&s.ID, &s.StartDate, &s.FinishDate, &s.Text, &s.Status, &s.SendSuccess, &s.SendFailed); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

var _ StatisticsRepositoryInterface = (*StatisticsRepository)(nil)
