package pgbackend

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gloup "github.com/gloup-app/gloup/sdk/golang"
)

func newMock(t *testing.T) (*Backend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return New(mock), mock
}

func TestSelect(t *testing.T) {
	b, mock := newMock(t)

	rows := pgxmock.NewRows([]string{"id", "content"}).
		AddRow("p1", "hello").
		AddRow("p2", "world")
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT * FROM posts WHERE group_id = $1 AND user_id IN ($2,$3) ORDER BY created_at DESC LIMIT 20 OFFSET 40",
	)).
		WithArgs("g1", "u1", "u2").
		WillReturnRows(rows)

	got, err := b.Select(context.Background(), gloup.SelectQuery{
		Table:   "posts",
		Filters: []gloup.Filter{gloup.Eq("group_id", "g1"), gloup.InStrings("user_id", []string{"u1", "u2"})},
		Order:   []gloup.Order{{Column: "created_at"}},
		Limit:   20,
		Offset:  40,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].String("id"))
	assert.Equal(t, "world", got[1].String("content"))
}

func TestSelectRejectsBadIdentifiers(t *testing.T) {
	b, _ := newMock(t)

	_, err := b.Select(context.Background(), gloup.SelectQuery{Table: "posts; drop table posts"})
	require.Error(t, err)
	var apiErr *gloup.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, gloup.CodeInvalidInput, apiErr.Code)

	_, err = b.Select(context.Background(), gloup.SelectQuery{
		Table:   "posts",
		Filters: []gloup.Filter{gloup.Eq("id = 1 OR 1", 1)},
	})
	require.Error(t, err)
}

func TestMutateInsertReturnsRows(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"INSERT INTO reactions (kind,post_id,user_id) VALUES ($1,$2,$3) RETURNING *",
	)).
		WithArgs("fire", "p1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind"}).AddRow("r1", "fire"))

	rows, err := b.Mutate(context.Background(), gloup.Mutation{
		Table:  "reactions",
		Verb:   gloup.VerbInsert,
		Values: gloup.Row{"post_id": "p1", "user_id": "u1", "kind": "fire"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].String("id"))
}

func TestMutateUniqueViolationIsDuplicate(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectQuery(`INSERT INTO follows`).
		WithArgs("u1", "u2").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := b.Mutate(context.Background(), gloup.Mutation{
		Table:  "follows",
		Verb:   gloup.VerbInsert,
		Values: gloup.Row{"follower_id": "u1", "following_id": "u2"},
	})
	require.Error(t, err)
	assert.True(t, gloup.IsDuplicate(err))
}

func TestMutateUpdateAndDelete(t *testing.T) {
	b, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE notifications SET read = $1 WHERE id = $2 AND user_id = $3 RETURNING *",
	)).
		WithArgs(true, "n1", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "read"}).AddRow("n1", true))
	mock.ExpectQuery(regexp.QuoteMeta(
		"DELETE FROM reactions WHERE post_id = $1 AND user_id = $2 AND kind = $3 RETURNING *",
	)).
		WithArgs("p1", "u1", "heart").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	ctx := context.Background()
	rows, err := b.Mutate(ctx, gloup.Mutation{
		Table:  "notifications",
		Verb:   gloup.VerbUpdate,
		Values: gloup.Row{"read": true},
		Match:  []gloup.Filter{gloup.Eq("id", "n1"), gloup.Eq("user_id", "u1")},
	})
	require.NoError(t, err)
	assert.Equal(t, true, rows[0]["read"])

	rows, err = b.Mutate(ctx, gloup.Mutation{
		Table: "reactions",
		Verb:  gloup.VerbDelete,
		Match: []gloup.Filter{gloup.Eq("post_id", "p1"), gloup.Eq("user_id", "u1"), gloup.Eq("kind", "heart")},
	})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMutateRequiresMatch(t *testing.T) {
	b, _ := newMock(t)

	_, err := b.Mutate(context.Background(), gloup.Mutation{Table: "posts", Verb: gloup.VerbDelete})
	require.Error(t, err)
	_, err = b.Mutate(context.Background(), gloup.Mutation{Table: "posts", Verb: gloup.VerbUpdate, Values: gloup.Row{"content": "x"}})
	require.Error(t, err)
}

func TestUpsertSuffix(t *testing.T) {
	suffix, err := upsertSuffix(gloup.Mutation{
		Values:     gloup.Row{"group_id": "g1", "user_id": "u1", "role": "member"},
		OnConflict: []string{"group_id", "user_id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ON CONFLICT (group_id, user_id) DO UPDATE SET role = EXCLUDED.role RETURNING *", suffix)

	suffix, err = upsertSuffix(gloup.Mutation{Values: gloup.Row{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "ON CONFLICT DO NOTHING RETURNING *", suffix)
}

func TestConditionCompound(t *testing.T) {
	cond, err := condition(gloup.Or(gloup.Eq("kind", "fire"), gloup.Is("deleted_at", nil)))
	require.NoError(t, err)
	sql, args, err := cond.ToSql()
	require.NoError(t, err)
	assert.Equal(t, "(kind = ? OR deleted_at IS NULL)", sql)
	assert.Equal(t, []any{"fire"}, args)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(context.Canceled), context.Canceled)

	err := mapError(&pgconn.PgError{Code: "23503", Message: "fk", Detail: "Key is not present"})
	var apiErr *gloup.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "23503", apiErr.Code)
	assert.Equal(t, "Key is not present", apiErr.Details)
}
