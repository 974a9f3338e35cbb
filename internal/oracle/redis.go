package oracle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisCached layers a Redis read-through cache over a Source so that
// multiple server instances share one bounded stream of feed calls. The
// same TTL doubles as the freshness bound. Redis errors degrade to a
// direct feed call; they never fail the price lookup by themselves.
type RedisCached struct {
	src Source
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCached creates a Redis-backed caching adapter.
func NewRedisCached(src Source, rdb *redis.Client, ttl time.Duration) *RedisCached {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCached{src: src, rdb: rdb, ttl: ttl}
}

func priceKey(symbol, market string) string { return "refprice:" + symbol + "." + market }

// LastPrice implements Source.
func (c *RedisCached) LastPrice(ctx context.Context, symbol, market string) (decimal.Decimal, error) {
	if raw, err := c.rdb.Get(ctx, priceKey(symbol, market)).Result(); err == nil {
		if price, perr := decimal.NewFromString(raw); perr == nil && price.IsPositive() {
			return price, nil
		}
	}

	price, err := Validate(c.src.LastPrice(ctx, symbol, market))
	if err != nil {
		return decimal.Zero, err
	}

	c.rdb.Set(ctx, priceKey(symbol, market), price.String(), c.ttl)
	return price, nil
}
