package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhengxuyu/Hyper-Alpha-Arena/internal/metrics"
)

// DefaultTTL is the freshness bound for cached reference prices used in
// execution decisions. Five seconds keeps call volume to the feed bounded
// while staying inside the upstream's own multi-second update cadence.
const DefaultTTL = 5 * time.Second

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Cached wraps a Source with a per-(symbol,market) TTL cache. A cache hit
// older than the TTL is never served; the entry is refetched instead, so an
// execution decision never sees a price older than the freshness bound.
type Cached struct {
	src Source
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewCached creates a caching oracle adapter. A non-positive ttl falls back
// to DefaultTTL.
func NewCached(src Source, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cached{
		src:     src,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// LastPrice implements Source.
func (c *Cached) LastPrice(ctx context.Context, symbol, market string) (decimal.Decimal, error) {
	key := symbol + "." + market

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		metrics.OracleCacheHits.Inc()
		return e.price, nil
	}
	c.mu.Unlock()

	metrics.OracleCacheMisses.Inc()
	price, err := Validate(c.src.LastPrice(ctx, symbol, market))
	if err != nil {
		// Never serve a stale entry past the freshness bound to mask a
		// feed failure; the caller retries on the next sweep.
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{price: price, fetchedAt: c.now()}
	c.mu.Unlock()
	return price, nil
}
