package gloup

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/gloup-app/gloup/sdk/golang"

// QueryConfig is a read plus its optional cache binding.
type QueryConfig struct {
	SelectQuery
	CacheKey string
	CacheTTL time.Duration
}

// QueryResult is the outcome of one Query. Err is set instead of returning an
// error so callers can always inspect Duration and FromCache.
type QueryResult struct {
	Data      []Row
	Err       *APIError
	FromCache bool
	Duration  time.Duration
}

// Decode converts the result rows into dst, which must be a pointer to a slice.
func (r QueryResult) Decode(dst any) error {
	if r.Err != nil {
		return r.Err
	}
	return DecodeRows(r.Data, dst)
}

// QueryStats aggregates executions sharing one signature.
type QueryStats struct {
	Signature string        `json:"signature"`
	Count     int64         `json:"count"`
	Errors    int64         `json:"errors"`
	Slow      int64         `json:"slow"`
	Total     time.Duration `json:"total"`
	Max       time.Duration `json:"max"`
	Last      time.Time     `json:"last"`
}

// Avg returns the mean execution time.
func (s QueryStats) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

func WithSlowThreshold(d time.Duration) OptimizerOption {
	return func(o *Optimizer) {
		if d > 0 {
			o.slowThreshold = d
		}
	}
}

func WithOptimizerSink(s Sink) OptimizerOption {
	return func(o *Optimizer) { o.sink = s }
}

func WithOptimizerLogger(logger *slog.Logger) OptimizerOption {
	return func(o *Optimizer) { o.logger = logger }
}

func WithOptimizerClock(now func() time.Time) OptimizerOption {
	return func(o *Optimizer) { o.now = now }
}

func WithTracer(t trace.Tracer) OptimizerOption {
	return func(o *Optimizer) { o.tracer = t }
}

// Optimizer fronts the backend with the cache and records per-signature
// performance.
type Optimizer struct {
	backend       Backend
	cache         *Cache
	sink          Sink
	logger        *slog.Logger
	tracer        trace.Tracer
	slowThreshold time.Duration
	now           func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	stats map[string]*QueryStats
}

// NewOptimizer creates an optimizer. cache may be nil.
func NewOptimizer(backend Backend, cache *Cache, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		backend:       backend,
		cache:         cache,
		sink:          NopSink{},
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		slowThreshold: 200 * time.Millisecond,
		now:           time.Now,
		stats:         make(map[string]*QueryStats),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cache returns the cache the optimizer reads through.
func (o *Optimizer) Cache() *Cache { return o.cache }

// Query executes cfg cache-first. Concurrent misses on the same cache key
// share one backend round-trip.
func (o *Optimizer) Query(ctx context.Context, cfg QueryConfig) QueryResult {
	start := o.now()

	if cfg.CacheKey != "" && o.cache != nil {
		var rows []Row
		if o.cache.Get(ctx, cfg.CacheKey, &rows) {
			return QueryResult{Data: rows, FromCache: true, Duration: o.now().Sub(start)}
		}
	}

	var (
		rows []Row
		err  error
	)
	if cfg.CacheKey != "" {
		v, ferr, _ := o.group.Do(cfg.CacheKey, func() (any, error) {
			return o.execute(ctx, cfg)
		})
		err = ferr
		if v != nil {
			rows = v.([]Row)
		}
	} else {
		rows, err = o.execute(ctx, cfg)
	}

	res := QueryResult{Data: rows, Duration: o.now().Sub(start)}
	if err != nil {
		res.Data = nil
		res.Err = asAPIError(err)
	}
	return res
}

func (o *Optimizer) execute(ctx context.Context, cfg QueryConfig) ([]Row, error) {
	sig := cfg.Signature()
	ctx, span := o.tracer.Start(ctx, "gloup.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.table", cfg.Table),
			attribute.String("gloup.signature", sig),
		))
	defer span.End()

	start := o.now()
	rows, err := o.backend.Select(ctx, cfg.SelectQuery)
	d := o.now().Sub(start)
	o.record(sig, d, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("db.rows", len(rows)))

	if cfg.CacheKey != "" && o.cache != nil {
		if cerr := o.cache.Set(ctx, cfg.CacheKey, rows, cfg.CacheTTL); cerr != nil {
			o.logger.Warn("query: cache populate failed", slog.String("key", cfg.CacheKey), slog.String("error", cerr.Error()))
		}
	}
	return rows, nil
}

// QueryAll runs cfgs concurrently and returns their results in order.
func (o *Optimizer) QueryAll(ctx context.Context, cfgs ...QueryConfig) []QueryResult {
	results := make([]QueryResult, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		i, cfg := i, cfg
		g.Go(func() error {
			results[i] = o.Query(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Mutate executes m, records it under its own signature and drops cache
// entries under each invalidate prefix on success. A duplicate-key conflict is
// returned unchanged so callers can decide whether it is benign.
func (o *Optimizer) Mutate(ctx context.Context, m Mutation, invalidate ...string) ([]Row, error) {
	sig := "mutate:" + m.String()
	ctx, span := o.tracer.Start(ctx, "gloup.mutate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.table", m.Table),
			attribute.String("db.operation", string(m.Verb)),
		))
	defer span.End()

	start := o.now()
	rows, err := o.backend.Mutate(ctx, m)
	o.record(sig, o.now().Sub(start), err)

	if err != nil && !IsDuplicate(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if o.cache != nil {
		for _, prefix := range invalidate {
			o.cache.InvalidatePrefix(ctx, prefix)
		}
	}
	return rows, err
}

func (o *Optimizer) record(sig string, d time.Duration, err error) {
	o.mu.Lock()
	s, ok := o.stats[sig]
	if !ok {
		s = &QueryStats{Signature: sig}
		o.stats[sig] = s
	}
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	s.Last = o.now()
	if err != nil {
		s.Errors++
	}
	slow := d > o.slowThreshold
	if slow {
		s.Slow++
	}
	o.mu.Unlock()

	meta := map[string]any{"signature": sig, "ok": err == nil}
	o.sink.Metric("query.duration", d, meta)
	if slow {
		o.sink.Event(EventQuerySlow, map[string]any{
			"signature":    sig,
			"duration_ms":  d.Milliseconds(),
			"threshold_ms": o.slowThreshold.Milliseconds(),
		})
		o.logger.Warn("slow query", slog.String("signature", sig), slog.Duration("duration", d))
	}
	if err != nil && !IsDuplicate(err) {
		o.sink.Error(err, meta)
	}
}

// Stats returns per-signature metrics ordered by total time descending.
func (o *Optimizer) Stats() []QueryStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]QueryStats, 0, len(o.stats))
	for _, s := range o.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}
