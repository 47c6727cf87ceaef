package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var notificationsTable = pgx.Identifier{"newsletter_email_notifications"}

var notificationColumns = []string{
	"notification_type",
	"type",
	"subtype",
	"recipient",
	"recipient_diagnostic",
	"notification_received_date",
	"campaign_id",
	"end_user_id",
}

type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type PostgresStore struct {
	db Copier
}

var ErrNotConfigured = errors.New("postgres store requires a non-nil pool")

func NewPostgresStore(db Copier) (*PostgresStore, error) {
	if db == nil {
		return nil, ErrNotConfigured
	}
	return &PostgresStore{db: db}, nil
}

// InsertBatch writes the whole batch with a single COPY, so either every
// notification is stored or none is.
func (s *PostgresStore) InsertBatch(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	rows := make([][]any, len(notifications))
	for i, n := range notifications {
		rows[i] = []any{
			n.NotificationType,
			n.Type,
			n.Subtype,
			n.Recipient,
			n.RecipientDiagnostic,
			n.ReceivedAt,
			n.CampaignID,
			n.EndUserID,
		}
	}
	copied, err := s.db.CopyFrom(ctx, notificationsTable, notificationColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy notifications: %w", err)
	}
	if copied != int64(len(rows)) {
		return fmt.Errorf("copy notifications: stored %d of %d rows", copied, len(rows))
	}
	return nil
}
