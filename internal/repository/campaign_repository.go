package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
)

// psql is the statement builder shared by every repository.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign) error
	SetStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, finish *time.Time) (bool, error)
	SetJobID(ctx context.Context, id int64, jobID *string) error
	Delete(ctx context.Context, id int64) error
	Expire(ctx context.Context, id int64, at time.Time) (bool, int64, error)
	Complete(ctx context.Context, id int64) (bool, int64, error)
	DeleteIfUnsent(ctx context.Context, id int64) (bool, error)
	List(ctx context.Context, f CampaignFilter) ([]*model.Campaign, int, error)
}

// CampaignFilter drives paginated listing.
type CampaignFilter struct {
	Offset int
	Limit  int
	Status *model.CampaignStatus
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `m.id, m.start_date, m.finish_date, m.text, m.status, m.task_uuid, m.created_at, m.updated_at,
	COALESCE((SELECT array_agg(t.tag_id ORDER BY t.tag_id) FROM mailing_tags t WHERE t.mailing_id = m.id), '{}') AS tags,
	COALESCE((SELECT array_agg(c.code_id ORDER BY c.code_id) FROM mailing_codes c WHERE c.mailing_id = m.id), '{}') AS codes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c     model.Campaign
		jobID sql.NullString
		tags  []int64
		codes []int64
	)
	if err := row.Scan(&c.ID, &c.StartDate, &c.FinishDate, &c.Text, &c.Status, &jobID,
		&c.CreatedAt, &c.UpdatedAt, pq.Array(&tags), pq.Array(&codes)); err != nil {
		return nil, err
	}
	if jobID.Valid {
		c.JobID = &jobID.String
	}
	c.TagIDs = tags
	c.CodeIDs = codes
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO mailings (start_date, finish_date, text, status, task_uuid)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	if err = tx.QueryRowContext(ctx, query, c.StartDate, c.FinishDate, c.Text, c.Status, c.JobID).
		Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	if err = replaceLinks(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// replaceLinks rewrites the tag and operator-code filter rows of c.
func replaceLinks(ctx context.Context, tx *sql.Tx, c *model.Campaign) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM mailing_tags WHERE mailing_id=$1`, c.ID); err != nil {
		return fmt.Errorf("clear campaign tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mailing_codes WHERE mailing_id=$1`, c.ID); err != nil {
		return fmt.Errorf("clear campaign codes: %w", err)
	}
	if len(c.TagIDs) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mailing_tags (mailing_id, tag_id) SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
			c.ID, pq.Array(c.TagIDs)); err != nil {
			return fmt.Errorf("insert campaign tags: %w", err)
		}
	}
	if len(c.CodeIDs) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mailing_codes (mailing_id, code_id) SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`,
			c.ID, pq.Array(c.CodeIDs)); err != nil {
			return fmt.Errorf("insert campaign codes: %w", err)
		}
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM mailings m WHERE m.id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return c, nil
}

// Update rewrites dates, text and filters. Status and job handle have their own setters.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE mailings
		SET start_date=$1, finish_date=$2, text=$3, updated_at=NOW()
		WHERE id=$4
	`, c.StartDate, c.FinishDate, c.Text, c.ID)
	if err != nil {
		return fmt.Errorf("update campaign %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if err = replaceLinks(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// SetStatus moves the campaign to `to` only if its current status is one of `from`.
// It reports whether the row changed.
func (r *CampaignRepository) SetStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, finish *time.Time) (bool, error) {
	froms := make([]int64, 0, len(from))
	for _, s := range from {
		froms = append(froms, int64(s))
	}
	q := psql.Update("mailings").
		Set("status", int(to)).
		Set("updated_at", sq.Expr("NOW()")).
		Where("id = ?", id).
		Where("status = ANY(?)", pq.Array(froms))
	if finish != nil {
		q = q.Set("finish_date", *finish)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set campaign %d status %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) SetJobID(ctx context.Context, id int64, jobID *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE mailings SET task_uuid=$1, updated_at=NOW() WHERE id=$2`, jobID, id)
	if err != nil {
		return fmt.Errorf("set campaign %d job: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// Delete removes the campaign together with its filter rows. Messages must be removed first.
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err = deleteCampaignRows(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteCampaignRows(ctx context.Context, tx *sql.Tx, id int64) error {
	for _, q := range []string{
		`DELETE FROM mailing_tags WHERE mailing_id=$1`,
		`DELETE FROM mailing_codes WHERE mailing_id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete campaign %d links: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM mailings WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Lifecycle ======================

const (
	expireCampaignSQL = `UPDATE mailings SET status=$1, finish_date=$2, updated_at=NOW() WHERE id=$3 AND status=$4`
	sweepUnsentSQL    = `UPDATE messages SET status=$1 WHERE mailing_id=$2 AND status IS NULL`
	sweepOrphansSQL   = `UPDATE messages SET status=$1 WHERE mailing_id=$2 AND status IS NULL AND client_id IS NULL`
	completeSQL       = `UPDATE mailings SET status=$1, updated_at=NOW()
		WHERE id=$2 AND status=$3
		AND NOT EXISTS (SELECT 1 FROM messages WHERE mailing_id=$2 AND status IS NULL)`
	deleteMessagesSQL = `DELETE FROM messages WHERE mailing_id=$1 RETURNING status`
)

// Expire moves a Started campaign to ExpiredByTime with finish_date=at and marks
// its unprocessed messages NotSent, both or neither. It reports whether the
// campaign was Started and how many messages were closed.
func (r *CampaignRepository) Expire(ctx context.Context, id int64, at time.Time) (bool, int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin expire campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, expireCampaignSQL, int(model.CampaignExpiredByTime), at, id, int(model.CampaignStarted))
	if err != nil {
		return false, 0, fmt.Errorf("expire campaign %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, 0, nil
	}
	res, err = tx.ExecContext(ctx, sweepUnsentSQL, int(model.MessageNotSent), id)
	if err != nil {
		return false, 0, fmt.Errorf("expire pending messages of campaign %d: %w", id, err)
	}
	swept, _ := res.RowsAffected()
	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit expire campaign %d: %w", id, err)
	}
	return true, swept, nil
}

// Complete moves a Started campaign to Success. Unprocessed messages whose
// client was deleted are marked NotSent first. The campaign stays Started while
// any other message is unprocessed.
func (r *CampaignRepository) Complete(ctx context.Context, id int64) (bool, int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin complete campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, sweepOrphansSQL, int(model.MessageNotSent), id)
	if err != nil {
		return false, 0, fmt.Errorf("close orphaned messages of campaign %d: %w", id, err)
	}
	orphans, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, completeSQL, int(model.CampaignSuccess), id, int(model.CampaignStarted))
	if err != nil {
		return false, 0, fmt.Errorf("complete campaign %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, 0, nil
	}
	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit complete campaign %d: %w", id, err)
	}
	return true, orphans, nil
}

// DeleteIfUnsent removes the campaign with its messages and filter rows unless
// one of its messages is Sent, in which case nothing changes and false is
// returned. The DELETE locks every message row, so a Sent status committed
// before it shows up in RETURNING and one attempted after it finds no row.
func (r *CampaignRepository) DeleteIfUnsent(ctx context.Context, id int64) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, deleteMessagesSQL, id)
	if err != nil {
		return false, fmt.Errorf("delete messages of campaign %d: %w", id, err)
	}
	sent := false
	for rows.Next() {
		var status sql.NullInt16
		if err := rows.Scan(&status); err != nil {
			rows.Close()
			return false, err
		}
		if status.Valid && model.MessageStatus(status.Int16) == model.MessageSent {
			sent = true
		}
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return false, err
	}
	if sent {
		return false, nil
	}

	if err = deleteCampaignRows(ctx, tx, id); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete campaign %d: %w", id, err)
	}
	return true, nil
}

// listQueries builds the page and count statements for f.
func listQueries(f CampaignFilter) (sq.SelectBuilder, sq.SelectBuilder) {
	page := psql.Select(campaignColumns).From("mailings m").OrderBy("m.id DESC")
	count := psql.Select("COUNT(*)").From("mailings m")
	if f.Status != nil {
		page = page.Where(sq.Eq{"m.status": int(*f.Status)})
		count = count.Where(sq.Eq{"m.status": int(*f.Status)})
	}
	if f.Limit > 0 {
		page = page.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		page = page.Offset(uint64(f.Offset))
	}
	return page, count
}

func (r *CampaignRepository) List(ctx context.Context, f CampaignFilter) ([]*model.Campaign, int, error) {
	pageQ, countQ := listQueries(f)

	query, args, err := pageQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	query, args, err = countQ.ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	return campaigns, total, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
