package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	gloup "github.com/gloup-app/gloup/sdk/golang"
	"github.com/gloup-app/gloup/sdk/golang/backend/pgbackend"
	"github.com/spf13/cobra"
)

var (
	querySelect   string
	queryWhere    []string
	queryOrder    []string
	queryLimit    int
	queryDSN      string
	queryCacheTTL time.Duration
	queryStats    bool
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&querySelect, "select", "", "Comma-separated columns (default all)")
	queryCmd.Flags().StringArrayVar(&queryWhere, "where", nil, "Filter as col=op.value, e.g. user_id=eq.42 (repeatable)")
	queryCmd.Flags().StringArrayVar(&queryOrder, "order", nil, "Order as col.asc or col.desc (repeatable)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 20, "Maximum rows")
	queryCmd.Flags().StringVar(&queryDSN, "dsn", "", "Query Postgres directly instead of the REST endpoint")
	queryCmd.Flags().DurationVar(&queryCacheTTL, "cache-ttl", 0, "Cache the result in local storage for this long")
	queryCmd.Flags().BoolVar(&queryStats, "stats", false, "Print timing after the rows")
}

// openBackend returns the Postgres backend when dsn is set and the REST
// client otherwise.
func openBackend(ctx context.Context, cfg *Config, dsn string) (gloup.Backend, func() error, error) {
	if dsn != "" {
		b, pool, err := pgbackend.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return b, func() error { pool.Close(); return nil }, nil
	}
	return getClient(cfg, newLogger(cfg.Log)), func() error { return nil }, nil
}

// parseWhere parses "col=op.value".
func parseWhere(s string) (gloup.Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return gloup.Filter{}, fmt.Errorf("filter %q must look like col=op.value", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return gloup.Filter{}, fmt.Errorf("filter %q must look like col=op.value", s)
	}
	switch gloup.FilterOp(op) {
	case gloup.OpEq, gloup.OpNeq, gloup.OpGt, gloup.OpGte, gloup.OpLt, gloup.OpLte, gloup.OpLike, gloup.OpILike:
		return gloup.Filter{Column: col, Op: gloup.FilterOp(op), Value: value}, nil
	case gloup.OpIs:
		if value == "null" {
			return gloup.Is(col, nil), nil
		}
		return gloup.Is(col, value), nil
	case gloup.OpIn:
		value = strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		return gloup.InStrings(col, strings.Split(value, ",")), nil
	}
	return gloup.Filter{}, fmt.Errorf("unknown operator %q in filter %q", op, s)
}

// parseOrder parses "col.asc" or "col.desc"; a bare column sorts descending.
func parseOrder(s string) gloup.Order {
	col, dir, _ := strings.Cut(s, ".")
	return gloup.Order{Column: col, Ascending: dir == "asc"}
}

var queryCmd = &cobra.Command{
	Use:   "query <table>",
	Short: "Run a read through the query optimizer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cfg := mustConfig()
		q := gloup.SelectQuery{Table: args[0], Limit: queryLimit}
		if querySelect != "" {
			q.Columns = strings.Split(querySelect, ",")
		}
		for _, w := range queryWhere {
			f, err := parseWhere(w)
			if err != nil {
				return err
			}
			q.Filters = append(q.Filters, f)
		}
		for _, o := range queryOrder {
			q.Order = append(q.Order, parseOrder(o))
		}

		backend, closeBackend, err := openBackend(ctx, cfg, queryDSN)
		if err != nil {
			return err
		}
		defer closeBackend()

		var cache *gloup.Cache
		qc := gloup.QueryConfig{SelectQuery: q}
		if queryCacheTTL > 0 {
			storage, closeStorage, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStorage()
			cache = gloup.NewCache(storage)
			cache.Load(ctx)
			qc.CacheKey = "cli:" + q.Signature()
			qc.CacheTTL = queryCacheTTL
		}

		logger := newLogger(cfg.Log)
		opt := gloup.NewOptimizer(backend, cache,
			gloup.WithOptimizerLogger(logger),
			gloup.WithOptimizerSink(gloup.NewSlogSink(logger)),
		)
		res := opt.Query(ctx, qc)
		if res.Err != nil {
			return res.Err
		}
		if err := printJSON(res.Data); err != nil {
			return err
		}
		if queryStats {
			src := "backend"
			if res.FromCache {
				src = "cache"
			}
			fmt.Printf("%d row(s) from %s in %s\n", len(res.Data), src, res.Duration.Round(time.Microsecond))
		}
		return nil
	},
}
