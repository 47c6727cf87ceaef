package audience

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Recipient is one audience member. Vars holds the template variables that
// were not NULL for this end user.
type Recipient struct {
	ID    int64
	Email string
	Vars  map[string]string
}

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Resolver struct {
	db Querier
}

func NewResolver(db Querier) *Resolver {
	return &Resolver{db: db}
}

type recipientRow struct {
	ID              int64   `db:"id"`
	Email           string  `db:"email"`
	LastName        *string `db:"last_name"`
	FirstName       *string `db:"first_name"`
	Birthday        *string `db:"birthday"`
	GroupName       *string `db:"group_name"`
	UnsubscribeCode *string `db:"unsubscribe_code"`
	Age             *string `db:"age"`
	FirstVisit      *string `db:"first_visit"`
	LastVisit       *string `db:"last_visit"`
	NextVisit       *string `db:"next_visit"`
}

func (r recipientRow) recipient() Recipient {
	values := map[string]*string{
		"last_name":        r.LastName,
		"first_name":       r.FirstName,
		"birthday":         r.Birthday,
		"group_name":       r.GroupName,
		"unsubscribe_code": r.UnsubscribeCode,
		"age":              r.Age,
		"first_visit":      r.FirstVisit,
		"last_visit":       r.LastVisit,
		"next_visit":       r.NextVisit,
	}
	vars := make(map[string]string, len(values))
	for name, v := range values {
		if v != nil {
			vars[name] = *v
		}
	}
	return Recipient{ID: r.ID, Email: r.Email, Vars: vars}
}

// Resolve runs a compiled audience query.
func (r *Resolver) Resolve(ctx context.Context, q Query) ([]Recipient, error) {
	rows, err := r.db.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[recipientRow])
	if err != nil {
		return nil, fmt.Errorf("scan audience: %w", err)
	}

	recipients := make([]Recipient, len(collected))
	for i, row := range collected {
		recipients[i] = row.recipient()
	}
	return recipients, nil
}
