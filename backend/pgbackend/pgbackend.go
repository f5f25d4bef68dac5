// Package pgbackend implements gloup.Backend directly against Postgres. It is
// used by server-side tooling and integration tests that bypass the REST
// surface but must observe the same tables and error codes.
package pgbackend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	gloup "github.com/gloup-app/gloup/sdk/golang"
)

// Querier is the subset of *pgxpool.Pool used by Backend. pgxmock pools
// satisfy it too.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return &gloup.APIError{Code: gloup.CodeInvalidInput, Message: fmt.Sprintf("invalid identifier %q", name)}
	}
	return nil
}

// Backend runs selects and mutations as SQL built with squirrel.
type Backend struct {
	q       Querier
	builder sq.StatementBuilderType
}

var _ gloup.Backend = (*Backend)(nil)

// New wraps an existing querier.
func New(q Querier) *Backend {
	return &Backend{
		q:       q,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*Backend, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool), pool, nil
}

// Health pings the database.
func (b *Backend) Health(ctx context.Context) error {
	return mapError(b.q.Ping(ctx))
}

// Select implements gloup.Selector.
func (b *Backend) Select(ctx context.Context, q gloup.SelectQuery) ([]gloup.Row, error) {
	if err := validIdent(q.Table); err != nil {
		return nil, err
	}
	columns := []string{"*"}
	if len(q.Columns) > 0 {
		for _, c := range q.Columns {
			if err := validIdent(c); err != nil {
				return nil, err
			}
		}
		columns = q.Columns
	}

	query := b.builder.Select(columns...).From(q.Table)
	for _, f := range q.Filters {
		cond, err := condition(f)
		if err != nil {
			return nil, err
		}
		query = query.Where(cond)
	}
	for _, o := range q.Order {
		if err := validIdent(o.Column); err != nil {
			return nil, err
		}
		dir := " DESC"
		if o.Ascending {
			dir = " ASC"
		}
		query = query.OrderBy(o.Column + dir)
	}
	if q.Limit > 0 {
		query = query.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		query = query.Offset(uint64(q.Offset))
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return b.collect(ctx, sql, args)
}

// Mutate implements gloup.Mutator. Every statement returns the affected rows.
func (b *Backend) Mutate(ctx context.Context, m gloup.Mutation) ([]gloup.Row, error) {
	if err := validIdent(m.Table); err != nil {
		return nil, err
	}
	for col := range m.Values {
		if err := validIdent(col); err != nil {
			return nil, err
		}
	}

	var builder sq.Sqlizer
	switch m.Verb {
	case gloup.VerbInsert:
		builder = b.builder.Insert(m.Table).SetMap(m.Values).Suffix("RETURNING *")
	case gloup.VerbUpsert:
		suffix, err := upsertSuffix(m)
		if err != nil {
			return nil, err
		}
		builder = b.builder.Insert(m.Table).SetMap(m.Values).Suffix(suffix)
	case gloup.VerbUpdate:
		if len(m.Match) == 0 {
			return nil, &gloup.APIError{Code: gloup.CodeInvalidInput, Message: "update requires a match filter"}
		}
		update := b.builder.Update(m.Table).SetMap(m.Values)
		for _, f := range m.Match {
			cond, err := condition(f)
			if err != nil {
				return nil, err
			}
			update = update.Where(cond)
		}
		builder = update.Suffix("RETURNING *")
	case gloup.VerbDelete:
		if len(m.Match) == 0 {
			return nil, &gloup.APIError{Code: gloup.CodeInvalidInput, Message: "delete requires a match filter"}
		}
		del := b.builder.Delete(m.Table)
		for _, f := range m.Match {
			cond, err := condition(f)
			if err != nil {
				return nil, err
			}
			del = del.Where(cond)
		}
		builder = del.Suffix("RETURNING *")
	default:
		return nil, &gloup.APIError{Code: gloup.CodeInvalidInput, Message: fmt.Sprintf("unknown verb %q", m.Verb)}
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", m.Verb, err)
	}
	return b.collect(ctx, sql, args)
}

func upsertSuffix(m gloup.Mutation) (string, error) {
	if len(m.OnConflict) == 0 {
		return "ON CONFLICT DO NOTHING RETURNING *", nil
	}
	conflict := make(map[string]bool, len(m.OnConflict))
	for _, c := range m.OnConflict {
		if err := validIdent(c); err != nil {
			return "", err
		}
		conflict[c] = true
	}
	var sets []string
	for col := range m.Values {
		if !conflict[col] {
			sets = append(sets, col+" = EXCLUDED."+col)
		}
	}
	sort.Strings(sets)
	target := "(" + strings.Join(m.OnConflict, ", ") + ")"
	if len(sets) == 0 {
		return "ON CONFLICT " + target + " DO NOTHING RETURNING *", nil
	}
	return "ON CONFLICT " + target + " DO UPDATE SET " + strings.Join(sets, ", ") + " RETURNING *", nil
}

func (b *Backend) collect(ctx context.Context, sql string, args []any) ([]gloup.Row, error) {
	rows, err := b.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]gloup.Row, len(maps))
	for i, m := range maps {
		for k, v := range m {
			m[k] = normalize(v)
		}
		out[i] = gloup.Row(m)
	}
	return out, nil
}

// normalize converts driver values into the JSON-friendly shapes the REST
// surface returns.
func normalize(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	}
	return v
}

// ============================================================================
// Filters
// ============================================================================

func condition(f gloup.Filter) (sq.Sqlizer, error) {
	switch f.Op {
	case gloup.OpOr, gloup.OpAnd:
		parts := make([]sq.Sqlizer, 0, len(f.Children))
		for _, c := range f.Children {
			cond, err := condition(c)
			if err != nil {
				return nil, err
			}
			parts = append(parts, cond)
		}
		if f.Op == gloup.OpOr {
			return sq.Or(parts), nil
		}
		return sq.And(parts), nil
	}

	if err := validIdent(f.Column); err != nil {
		return nil, err
	}
	col := f.Column
	switch f.Op {
	case gloup.OpEq:
		return sq.Eq{col: f.Value}, nil
	case gloup.OpNeq:
		return sq.NotEq{col: f.Value}, nil
	case gloup.OpGt:
		return sq.Gt{col: f.Value}, nil
	case gloup.OpGte:
		return sq.GtOrEq{col: f.Value}, nil
	case gloup.OpLt:
		return sq.Lt{col: f.Value}, nil
	case gloup.OpLte:
		return sq.LtOrEq{col: f.Value}, nil
	case gloup.OpLike:
		return sq.Like{col: f.Value}, nil
	case gloup.OpILike:
		return sq.ILike{col: f.Value}, nil
	case gloup.OpIn:
		vals, _ := f.Value.([]any)
		return sq.Eq{col: vals}, nil
	case gloup.OpIs:
		switch v := f.Value.(type) {
		case nil:
			return sq.Expr(col + " IS NULL"), nil
		case bool:
			if v {
				return sq.Expr(col + " IS TRUE"), nil
			}
			return sq.Expr(col + " IS FALSE"), nil
		case string:
			switch strings.ToLower(v) {
			case "null":
				return sq.Expr(col + " IS NULL"), nil
			case "true":
				return sq.Expr(col + " IS TRUE"), nil
			case "false":
				return sq.Expr(col + " IS FALSE"), nil
			}
		}
	}
	return nil, &gloup.APIError{Code: gloup.CodeInvalidInput, Message: fmt.Sprintf("unsupported filter %s", f.Expr())}
}

// ============================================================================
// Errors
// ============================================================================

// mapError converts pgx errors into *gloup.APIError. Postgres error codes are
// kept verbatim so gloup.IsDuplicate recognises unique violations.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &gloup.APIError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return &gloup.APIError{Code: gloup.CodeNetwork, Message: err.Error()}
	}
	return fmt.Errorf("pgbackend: %w", err)
}
