// Package cache provides a content-addressed, in-memory store of
// processed responses with TTL expiry and LRU capacity eviction.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/telemetry"
)

const (
	// DefaultTTL is how long an entry stays servable.
	DefaultTTL = 30 * time.Minute

	// DefaultMaxSize is the entry count that triggers LRU eviction.
	DefaultMaxSize = 100

	// DefaultSweepInterval is how often the background sweep removes
	// expired entries.
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	response       *domain.ProcessedResponse
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    int
	ttl            time.Duration
}

// Stats reports cache effectiveness.
type Stats struct {
	Size          int     `json:"size"`
	Hits          int64   `json:"hits"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache is safe for concurrent use. All entry mutation happens under
// the cache mutex.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	ttl     time.Duration
	maxSize int
	hits    int64
	total   int64
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxSize overrides the default capacity.
func WithMaxSize(n int) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithClock overrides the cache's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used by the background sweep.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[uint64]*entry),
		ttl:     DefaultTTL,
		maxSize: DefaultMaxSize,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached response for (message, ctx), with
// CacheHit stamped, or nil on a miss. An entry past its TTL is evicted
// in the same critical section and reported as a miss. A hit updates
// the entry's access count and recency.
func (c *Cache) Get(message string, ctx domain.ChatContext) *domain.ProcessedResponse {
	key := Key(message, ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	e, ok := c.entries[key]
	if !ok {
		telemetry.CacheEvents.WithLabelValues("miss").Inc()
		return nil
	}

	now := c.now()
	if now.Sub(e.createdAt) > e.ttl {
		delete(c.entries, key)
		telemetry.CacheEvents.WithLabelValues("expired").Inc()
		return nil
	}

	e.lastAccessedAt = now
	e.accessCount++
	c.hits++
	telemetry.CacheEvents.WithLabelValues("hit").Inc()

	out := e.response.Clone()
	out.Metadata.CacheHit = true
	out.Metadata.Source = "cache"
	return out
}

// Put stores a response for (message, ctx). When the cache is at
// capacity, the single least-recently-accessed entry is evicted first.
func (c *Cache) Put(message string, ctx domain.ChatContext, resp *domain.ProcessedResponse) {
	if resp == nil {
		return
	}
	key := Key(message, ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	now := c.now()
	c.entries[key] = &entry{
		response:       resp.Clone(),
		createdAt:      now,
		lastAccessedAt: now,
		ttl:            c.ttl,
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey uint64
	var oldest time.Time
	first := true
	for key, e := range c.entries {
		if first || e.lastAccessedAt.Before(oldest) {
			first = false
			oldest = e.lastAccessedAt
			oldestKey = key
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		telemetry.CacheEvents.WithLabelValues("evicted").Inc()
	}
}

// Clear removes every entry. Hit counters are kept; they describe the
// process lifetime, not the current contents.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*entry)
}

// Stats returns a snapshot of cache effectiveness.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:          len(c.entries),
		Hits:          c.hits,
		TotalRequests: c.total,
	}
	if c.total > 0 {
		s.HitRate = float64(c.hits) / float64(c.total)
	}
	return s
}

// StartSweeper runs a background loop that proactively removes expired
// entries every interval until ctx is cancelled. Reads already evict
// lazily; the sweep keeps memory bounded when keys go cold.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.sweep(); n > 0 {
					c.logger.Debug("cache sweep removed expired entries", slog.Int("count", n))
				}
			}
		}
	}()
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > e.ttl {
			delete(c.entries, key)
			n++
		}
	}
	if n > 0 {
		telemetry.CacheEvents.WithLabelValues("expired").Add(float64(n))
	}
	return n
}
