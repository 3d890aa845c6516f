// Package cache keeps the canonical price sets of each market in two tiers:
// an in-process copy in front of the durable key-value store.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spotwatt/internal/domain"
	"spotwatt/internal/storage"
)

const (
	// DefaultTTL is the lifetime of a price set in the durable tier.
	DefaultTTL = 48 * time.Hour
	// DefaultLocalTTL bounds how long the in-process tier trusts its copy.
	DefaultLocalTTL = 5 * time.Minute
)

type entry struct {
	set       domain.MarketPriceSet
	raw       []byte
	etag      string
	expiresAt time.Time
}

// Options configure a PriceCache.
type Options struct {
	TTL      time.Duration
	LocalTTL time.Duration
	Now      func() time.Time
}

// PriceCache is safe for concurrent use.
type PriceCache struct {
	kv       storage.KVStore
	ttl      time.Duration
	localTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.RWMutex
	entries map[domain.Market]entry
}

// New wires the durable tier kv behind an in-process tier.
func New(kv storage.KVStore, opts Options, logger zerolog.Logger) *PriceCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = DefaultLocalTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PriceCache{
		kv:       kv,
		ttl:      opts.TTL,
		localTTL: opts.LocalTTL,
		now:      opts.Now,
		logger:   logger.With().Str("component", "price_cache").Logger(),
		entries:  make(map[domain.Market]entry),
	}
}

// Get returns the cached set of market, reading through to the durable tier.
func (c *PriceCache) Get(ctx context.Context, market domain.Market) (domain.MarketPriceSet, bool, error) {
	set, _, _, ok, err := c.lookup(ctx, market)
	return set, ok, err
}

// GetRaw returns the JSON encoding of the cached set and its ETag.
func (c *PriceCache) GetRaw(ctx context.Context, market domain.Market) ([]byte, string, bool, error) {
	_, raw, etag, ok, err := c.lookup(ctx, market)
	return raw, etag, ok, err
}

func (c *PriceCache) lookup(ctx context.Context, market domain.Market) (domain.MarketPriceSet, []byte, string, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[market]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.set, e.raw, e.etag, true, nil
	}

	raw, found, err := c.kv.GetKV(ctx, market.CacheKey())
	if err != nil {
		return domain.MarketPriceSet{}, nil, "", false, fmt.Errorf("read %s: %w", market.CacheKey(), err)
	}
	if !found {
		return domain.MarketPriceSet{}, nil, "", false, nil
	}

	var set domain.MarketPriceSet
	if err := json.Unmarshal(raw, &set); err != nil {
		c.logger.Warn().Err(err).Str("market", string(market)).Msg("discarding undecodable cache entry")
		return domain.MarketPriceSet{}, nil, "", false, nil
	}

	e = c.remember(market, set, raw)
	return e.set, e.raw, e.etag, true, nil
}

// Put writes set to the durable tier and invalidates the local copy.
func (c *PriceCache) Put(ctx context.Context, set domain.MarketPriceSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode %s: %w", set.Market, err)
	}
	if err := c.kv.PutKV(ctx, set.Market.CacheKey(), raw, c.ttl); err != nil {
		return fmt.Errorf("write %s: %w", set.Market.CacheKey(), err)
	}
	c.Invalidate(set.Market)
	return nil
}

// Delete removes markets from both tiers.
func (c *PriceCache) Delete(ctx context.Context, markets ...domain.Market) error {
	for _, m := range markets {
		c.Invalidate(m)
		if err := c.kv.DeleteKV(ctx, m.CacheKey()); err != nil {
			return fmt.Errorf("delete %s: %w", m.CacheKey(), err)
		}
	}
	return nil
}

// Invalidate drops the in-process copy of market.
func (c *PriceCache) Invalidate(market domain.Market) {
	c.mu.Lock()
	delete(c.entries, market)
	c.mu.Unlock()
}

func (c *PriceCache) remember(market domain.Market, set domain.MarketPriceSet, raw []byte) entry {
	e := entry{set: set, raw: raw, etag: ComputeETag(raw), expiresAt: c.now().Add(c.localTTL)}
	c.mu.Lock()
	c.entries[market] = e
	c.mu.Unlock()
	return e
}

// EvictLoop removes expired local entries until ctx is done.
func (c *PriceCache) EvictLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLocalTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evict()
		}
	}
}

func (c *PriceCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// ComputeETag generates a weak ETag from response data using MD5.
func ComputeETag(data []byte) string {
	hash := md5.Sum(data)
	return fmt.Sprintf(`W/"%x"`, hash[:8])
}

// ETagMatches checks an If-None-Match header against etag.
func ETagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	return ifNoneMatch == "*" || ifNoneMatch == etag
}
