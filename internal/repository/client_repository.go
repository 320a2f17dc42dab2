package repository

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/unclebandit/mailing-service/internal/model"
)

// ClientRepositoryInterface defines the recipient reads and seeding writes.
type ClientRepositoryInterface interface {
	ListFiltered(ctx context.Context, tagIDs, codeIDs []int64, afterID int64, limit int) ([]model.Client, error)
	CreateTag(ctx context.Context, t *model.Tag) error
	GetOrCreateOperatorCode(ctx context.Context, code string) (*model.OperatorCode, error)
	Create(ctx context.Context, c *model.Client) error
}

// ClientRepository is the concrete implementation
type ClientRepository struct {
	DB *sql.DB
}

func filteredClientsQuery(tagIDs, codeIDs []int64, afterID int64, limit int) sq.SelectBuilder {
	q := psql.Select("id", "phone", "code_id", "tag_id", "time_zone").
		From("clients").
		Where(sq.Gt{"id": afterID}).
		OrderBy("id")
	// An empty dimension leaves that filter unrestricted.
	if len(tagIDs) > 0 {
		q = q.Where(sq.Eq{"tag_id": tagIDs})
	}
	if len(codeIDs) > 0 {
		q = q.Where(sq.Eq{"code_id": codeIDs})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q
}

// ListFiltered pages through recipients matching the campaign filters, keyed by id.
func (r *ClientRepository) ListFiltered(ctx context.Context, tagIDs, codeIDs []int64, afterID int64, limit int) ([]model.Client, error) {
	query, args, err := filteredClientsQuery(tagIDs, codeIDs, afterID, limit).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := []model.Client{}
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Phone, &c.CodeID, &c.TagID, &c.TimeZone); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *ClientRepository) CreateTag(ctx context.Context, t *model.Tag) error {
	query := `
		INSERT INTO tags (name, description) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id
	`
	if err := r.DB.QueryRowContext(ctx, query, t.Name, t.Description).Scan(&t.ID); err != nil {
		return fmt.Errorf("create tag %q: %w", t.Name, err)
	}
	return nil
}

func (r *ClientRepository) GetOrCreateOperatorCode(ctx context.Context, code string) (*model.OperatorCode, error) {
	oc := model.OperatorCode{Code: code}
	query := `
		INSERT INTO operator_codes (code) VALUES ($1)
		ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id
	`
	if err := r.DB.QueryRowContext(ctx, query, code).Scan(&oc.ID); err != nil {
		return nil, fmt.Errorf("get or create operator code %q: %w", code, err)
	}
	return &oc, nil
}

// Create inserts a recipient, deriving its operator code from the phone number.
func (r *ClientRepository) Create(ctx context.Context, c *model.Client) error {
	prefix, err := model.OperatorCodeOf(c.Phone)
	if err != nil {
		return err
	}
	oc, err := r.GetOrCreateOperatorCode(ctx, prefix)
	if err != nil {
		return err
	}
	c.CodeID = oc.ID

	query := `
		INSERT INTO clients (phone, code_id, tag_id, time_zone)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := r.DB.QueryRowContext(ctx, query, c.Phone, c.CodeID, c.TagID, c.TimeZone).Scan(&c.ID); err != nil {
		return fmt.Errorf("create client %s: %w", c.Phone, err)
	}
	return nil
}

var _ ClientRepositoryInterface = (*ClientRepository)(nil)
