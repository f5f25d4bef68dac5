package gloup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const cacheKeyPrefix = "cache:"

// CacheEntry is one cached payload. It is logically absent once its TTL has
// elapsed or its schema version differs from the cache's current version.
type CacheEntry struct {
	Key           string        `msgpack:"k"`
	Payload       []byte        `msgpack:"p"`
	CreatedAt     time.Time     `msgpack:"c"`
	TTL           time.Duration `msgpack:"t"`
	SchemaVersion string        `msgpack:"v"`
}

func (e *CacheEntry) stale(now time.Time, version string) bool {
	return e.SchemaVersion != version || now.Sub(e.CreatedAt) > e.TTL
}

// CacheStats counts cache activity since creation.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

func WithSchemaVersion(version string) CacheOption {
	return func(c *Cache) { c.version = version }
}

func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// Cache is a TTL and version keyed store, bounded by entry count and mirrored
// into durable storage.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	stats   CacheStats
	storage DurableStorage

	maxEntries    int
	defaultTTL    time.Duration
	version       string
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache creates a cache. storage may be nil for a memory-only cache.
func NewCache(storage DurableStorage, opts ...CacheOption) *Cache {
	c := &Cache{
		entries:       make(map[string]*CacheEntry),
		storage:       storage,
		maxEntries:    100,
		defaultTTL:    5 * time.Minute,
		version:       "1",
		sweepInterval: time.Minute,
		now:           time.Now,
		logger:        slog.Default(),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the live entry for key into dst. Expired, version-mismatched
// or undecodable entries are evicted and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return false
	}
	if e.stale(c.now(), c.version) {
		c.dropLocked(ctx, key)
		c.stats.Expirations++
		c.stats.Misses++
		return false
	}
	if err := msgpack.Unmarshal(e.Payload, dst); err != nil {
		c.logger.Warn("cache entry corrupt", slog.String("key", key), slog.String("error", err.Error()))
		c.dropLocked(ctx, key)
		c.stats.Misses++
		return false
	}
	c.stats.Hits++
	return true
}

// Has reports whether key holds a live entry without decoding it.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.stale(c.now(), c.version)
}

// Set stores value under key. A zero ttl uses the default TTL. Inserting a new
// key into a full cache first evicts the oldest entry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %q: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked(ctx)
	}
	e := &CacheEntry{
		Key:           key,
		Payload:       payload,
		CreatedAt:     c.now(),
		TTL:           ttl,
		SchemaVersion: c.version,
	}
	c.entries[key] = e
	c.persistLocked(ctx, e)
	return nil
}

// Remove deletes key from memory and durable storage.
func (c *Cache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(ctx, key)
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	c.dropManyLocked(ctx, keys)
	return len(keys)
}

// Clear removes every entry, including persisted ones not loaded in memory.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CacheEntry)
	if c.storage == nil {
		return
	}
	keys, err := c.storage.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		c.logger.Warn("cache clear: list keys", slog.String("error", err.Error()))
		return
	}
	if err := c.storage.MultiRemove(ctx, keys); err != nil {
		c.logger.Warn("cache clear: remove keys", slog.String("error", err.Error()))
	}
}

// Load restores persisted entries, dropping every stale one. Storage failures
// are logged and leave the cache empty.
func (c *Cache) Load(ctx context.Context) int {
	if c.storage == nil {
		return 0
	}
	keys, err := c.storage.Keys(ctx, cacheKeyPrefix)
	if err != nil {
		c.logger.Warn("cache load: list keys", slog.String("error", err.Error()))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	values, err := c.storage.MultiGet(ctx, keys)
	if err != nil {
		c.logger.Warn("cache load: read entries", slog.String("error", err.Error()))
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var stale []string
	for _, k := range keys {
		raw, ok := values[k]
		if !ok {
			continue
		}
		var e CacheEntry
		if err := msgpack.Unmarshal([]byte(raw), &e); err != nil || e.stale(now, c.version) {
			stale = append(stale, k)
			continue
		}
		c.entries[e.Key] = &e
	}
	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked(ctx)
	}
	if len(stale) > 0 {
		c.stats.Expirations += int64(len(stale))
		if err := c.storage.MultiRemove(ctx, stale); err != nil {
			c.logger.Warn("cache load: purge stale", slog.String("error", err.Error()))
		}
	}
	c.logger.Debug("cache loaded", slog.Int("entries", len(c.entries)), slog.Int("purged", len(stale)))
	return len(c.entries)
}

// Sweep purges every stale entry and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var keys []string
	for k, e := range c.entries {
		if e.stale(now, c.version) {
			keys = append(keys, k)
		}
	}
	c.dropManyLocked(ctx, keys)
	c.stats.Expirations += int64(len(keys))
	return len(keys)
}

// Start runs the periodic sweep until Close or ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if n := c.Sweep(ctx); n > 0 {
					c.logger.Debug("cache sweep", slog.Int("purged", n))
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// Len returns the number of entries held in memory, including not yet swept
// stale ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the entry with the earliest CreatedAt.
func (c *Cache) evictOldestLocked(ctx context.Context) {
	var oldest *CacheEntry
	for _, e := range c.entries {
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	c.dropLocked(ctx, oldest.Key)
	c.stats.Evictions++
}

func (c *Cache) dropLocked(ctx context.Context, key string) {
	delete(c.entries, key)
	if c.storage == nil {
		return
	}
	if err := c.storage.Remove(ctx, cacheKeyPrefix+key); err != nil {
		c.logger.Warn("cache remove", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (c *Cache) dropManyLocked(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	durable := make([]string, len(keys))
	for i, k := range keys {
		delete(c.entries, k)
		durable[i] = cacheKeyPrefix + k
	}
	if c.storage == nil {
		return
	}
	if err := c.storage.MultiRemove(ctx, durable); err != nil {
		c.logger.Warn("cache remove", slog.Int("keys", len(keys)), slog.String("error", err.Error()))
	}
}

func (c *Cache) persistLocked(ctx context.Context, e *CacheEntry) {
	if c.storage == nil {
		return
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		c.logger.Warn("cache persist: encode", slog.String("key", e.Key), slog.String("error", err.Error()))
		return
	}
	if err := c.storage.Set(ctx, cacheKeyPrefix+e.Key, string(data)); err != nil {
		c.logger.Warn("cache persist", slog.String("key", e.Key), slog.String("error", err.Error()))
	}
}
