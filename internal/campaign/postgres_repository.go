package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const selectDue = `
SELECT id
FROM newsletter
WHERE status = 'pending' AND scheduled_date <= $1
ORDER BY scheduled_date, id
`

const markSending = `
UPDATE newsletter
SET status = 'sending'
WHERE id = ANY($1) AND status = 'pending'
RETURNING id
`

const selectCampaign = `
SELECT
newsletter.id,
newsletter.business_id,
COALESCE(newsletter.name, '') AS name,
newsletter.type,
COALESCE(newsletter.subject, '') AS subject,
COALESCE(newsletter.template_path, '') AS template_path,
COALESCE(newsletter.image_path, '') AS image_path,
COALESCE(newsletter.filters::text, '') AS filters,
newsletter.status,
credential.email AS creator_email
FROM newsletter
JOIN "user" ON newsletter.user_id = "user".id
JOIN credential ON credential.id = "user".credential_id
WHERE newsletter.id = $1
`

const markClosed = `
UPDATE newsletter
SET status = 'closed', sent_date = CURRENT_TIMESTAMP
WHERE id = $1 AND status = 'sending'
`

const markError = `
UPDATE newsletter
SET status = 'error'
WHERE id = $1 AND status = 'sending'
`

const selectForStats = `
SELECT id
FROM newsletter
WHERE scheduled_date BETWEEN $1 AND $2
AND status IN ('sending', 'closed')
ORDER BY id
`

const updateStats = `
UPDATE newsletter
SET stats = $2
WHERE id = $1
`

// DB is the part of pgxpool.Pool the repository needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresRepository struct {
	db DB
}

var ErrNotConfigured = errors.New("postgres repository requires a non-nil pool")

func NewPostgresRepository(db DB) (*PostgresRepository, error) {
	if db == nil {
		return nil, ErrNotConfigured
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) ids(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ListDue returns pending campaigns whose scheduled date is not after now.
func (r *PostgresRepository) ListDue(ctx context.Context, now time.Time) ([]int64, error) {
	ids, err := r.ids(ctx, selectDue, now)
	if err != nil {
		return nil, fmt.Errorf("select due campaigns: %w", err)
	}
	return ids, nil
}

// MarkSending moves the whole batch to sending in one statement and returns
// the ids that actually transitioned.
func (r *PostgresRepository) MarkSending(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	moved, err := r.ids(ctx, markSending, ids)
	if err != nil {
		return nil, fmt.Errorf("mark campaigns sending: %w", err)
	}
	return moved, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (Campaign, error) {
	var (
		c       Campaign
		filters string
		status  string
	)
	err := r.db.QueryRow(ctx, selectCampaign, id).Scan(
		&c.ID,
		&c.BusinessID,
		&c.Name,
		&c.Type,
		&c.Subject,
		&c.TemplatePath,
		&c.ImagePath,
		&filters,
		&status,
		&c.CreatorEmail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Campaign{}, &ResourceError{CampaignID: id, Reason: "campaign or its creator not found"}
		}
		return Campaign{}, fmt.Errorf("select campaign %d: %w", id, err)
	}
	c.Filters = []byte(filters)
	c.Status = Status(status)
	return c, nil
}

func (r *PostgresRepository) MarkClosed(ctx context.Context, id int64) error {
	return r.finish(ctx, markClosed, id, StatusClosed)
}

func (r *PostgresRepository) MarkError(ctx context.Context, id int64) error {
	return r.finish(ctx, markError, id, StatusError)
}

func (r *PostgresRepository) finish(ctx context.Context, sql string, id int64, status Status) error {
	tag, err := r.db.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("mark campaign %d %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark campaign %d %s: %w", id, status, ErrTransitionRejected)
	}
	return nil
}

// ListForStats returns campaigns that went out inside [from, to].
func (r *PostgresRepository) ListForStats(ctx context.Context, from, to time.Time) ([]int64, error) {
	ids, err := r.ids(ctx, selectForStats, from, to)
	if err != nil {
		return nil, fmt.Errorf("select campaigns for stats: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) UpdateStats(ctx context.Context, id int64, stats map[string]float64) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, updateStats, id, string(payload)); err != nil {
		return fmt.Errorf("update stats for campaign %d: %w", id, err)
	}
	return nil
}
