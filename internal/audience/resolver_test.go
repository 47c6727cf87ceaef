package audience

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recipientColumns = []string{
	"id", "email", "last_name", "first_name", "birthday", "group_name",
	"unsubscribe_code", "age", "first_visit", "last_visit", "next_visit",
}

func str(s string) *string { return &s }

func TestResolverResolve(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mockPool.Close()

	q, err := Compile(mustParse(t, `{"group": [3]}`), scope)
	require.NoError(t, err)

	var null *string
	rows := mockPool.NewRows(recipientColumns).
		AddRow(int64(1), "ada@example.com", str("Lovelace"), str("Ada"), str("10/12/1815"), str("vip, regulars"),
			str("u-1"), str("36"), str("01/01/2020"), str("02/02/2024"), null).
		AddRow(int64(2), "bob@example.com", null, null, null, null, str("u-2"), null, null, null, null)
	mockPool.ExpectQuery(q.SQL).WithArgs(q.Args...).WillReturnRows(rows)

	recipients, err := NewResolver(mockPool).Resolve(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, int64(1), recipients[0].ID)
	assert.Equal(t, "ada@example.com", recipients[0].Email)
	assert.Equal(t, "Ada", recipients[0].Vars["first_name"])
	assert.Equal(t, "vip, regulars", recipients[0].Vars["group_name"])
	_, hasNext := recipients[0].Vars["next_visit"]
	assert.False(t, hasNext, "NULL variables are left out")

	assert.Equal(t, map[string]string{"unsubscribe_code": "u-2"}, recipients[1].Vars)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestResolverPropagatesQueryError(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer mockPool.Close()

	q, err := Compile(FilterSpec{}, scope)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mockPool.ExpectQuery(q.SQL).WithArgs(q.Args...).WillReturnError(boom)

	_, err = NewResolver(mockPool).Resolve(context.Background(), q)
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestVariableNames(t *testing.T) {
	assert.Equal(t, []string{
		"last_name", "first_name", "birthday", "group_name", "unsubscribe_code",
		"age", "first_visit", "last_visit", "next_visit",
	}, VariableNames())
}
