package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/unclebandit/mailing-service/internal/model"
)

type MessageRepositoryInterface interface {
	HasMessages(ctx context.Context, campaignID int64) (bool, error)
	BulkCreate(ctx context.Context, msgs []model.Message) error
	FetchPending(ctx context.Context, campaignID int64, limit int, exclude []int64) ([]model.PendingMessage, error)
	MarkSent(ctx context.Context, messageID int64, at time.Time) (bool, error)
	CountSent(ctx context.Context, campaignID int64) (int, error)
	ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error)
}

type MessageRepository struct {
	DB *sql.DB
}

func (r *MessageRepository) HasMessages(ctx context.Context, campaignID int64) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE mailing_id=$1)`, campaignID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check messages of campaign %d: %w", campaignID, err)
	}
	return exists, nil
}

// bulkInsert builds one multi-row INSERT for msgs.
func bulkInsert(msgs []model.Message) (string, []any, error) {
	q := psql.Insert("messages").Columns("mailing_id", "client_id", "status", "send_date")
	for _, m := range msgs {
		var status *int
		if m.Status != nil {
			v := int(*m.Status)
			status = &v
		}
		q = q.Values(m.CampaignID, m.ClientID, status, m.SendDate)
	}
	return q.ToSql()
}

// BulkCreate inserts msgs in a single statement. Callers split large sets into batches.
func (r *MessageRepository) BulkCreate(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	query, args, err := bulkInsert(msgs)
	if err != nil {
		return err
	}
	if _, err = r.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk insert %d messages: %w", len(msgs), err)
	}
	return nil
}

func pendingQuery(campaignID int64, limit int, exclude []int64) sq.SelectBuilder {
	q := psql.Select("m.id", "c.id", "c.phone").
		From("messages m").
		Join("clients c ON c.id = m.client_id").
		Where(sq.Eq{"m.mailing_id": campaignID}).
		Where("m.status IS NULL").
		OrderBy("m.id")
	if len(exclude) > 0 {
		q = q.Where("NOT (m.id = ANY(?))", pq.Array(exclude))
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

// FetchPending returns unprocessed messages with a live recipient, oldest first.
func (r *MessageRepository) FetchPending(ctx context.Context, campaignID int64, limit int, exclude []int64) ([]model.PendingMessage, error) {
	query, args, err := pendingQuery(campaignID, limit, exclude).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending messages of campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	pending := []model.PendingMessage{}
	for rows.Next() {
		var p model.PendingMessage
		if err := rows.Scan(&p.MessageID, &p.ClientID, &p.Phone); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkSent stamps a delivered message. It never overwrites a terminal status.
func (r *MessageRepository) MarkSent(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE messages SET status=$1, send_date=$2 WHERE id=$3 AND status IS NULL`,
		int(model.MessageSent), at, messageID)
	if err != nil {
		return false, fmt.Errorf("mark message %d sent: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *MessageRepository) CountSent(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE mailing_id=$1 AND status=$2`,
		campaignID, int(model.MessageSent)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent messages of campaign %d: %w", campaignID, err)
	}
	return n, nil
}

func (r *MessageRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, mailing_id, client_id, send_date, status
		FROM messages
		WHERE mailing_id=$1
		ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list messages of campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m      model.Message
			status sql.NullInt16
		)
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ClientID, &m.SendDate, &status); err != nil {
			return nil, err
		}
		if status.Valid {
			s := model.MessageStatus(status.Int16)
			m.Status = &s
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
