// Package cache implements the four-tier context cache. Lookups walk
// L1 -> L4 and the first hit is promoted into every faster tier. Each tier
// applies its own TTL and size-bounded LRU eviction so a slow lower tier
// never holds locks needed by a faster one.
package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/telemetry"
)

// Tier identifies one level of the cache hierarchy.
type Tier int

// Cache tiers, fastest first.
const (
	L1 Tier = iota + 1
	L2
	L3
	L4
)

func (t Tier) String() string {
	switch t {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	case L4:
		return "L4"
	default:
		return "unknown"
	}
}

// TierConfig bounds a single tier.
type TierConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	MaxBytes   int64         `yaml:"max_bytes" json:"max_bytes"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
}

// Config defines the full cache hierarchy.
type Config struct {
	Tiers    map[string]TierConfig `yaml:"tiers" json:"tiers"`
	RedisURL string                `yaml:"redis_url" json:"redis_url,omitempty"`
}

// DefaultConfig returns the default tier layout: small and hot at the top,
// large and cold at the bottom.
func DefaultConfig() *Config {
	return &Config{
		Tiers: map[string]TierConfig{
			"l1": {MaxEntries: 256, MaxBytes: 16 << 20, TTL: 5 * time.Minute},
			"l2": {MaxEntries: 1024, MaxBytes: 64 << 20, TTL: 30 * time.Minute},
			"l3": {MaxEntries: 4096, MaxBytes: 256 << 20, TTL: 24 * time.Hour},
			"l4": {MaxEntries: 16384, MaxBytes: 1 << 30, TTL: 7 * 24 * time.Hour},
		},
	}
}

func (c *Config) tierConfig(t Tier) TierConfig {
	names := map[Tier]string{L1: "l1", L2: "l2", L3: "l3", L4: "l4"}
	if tc, ok := c.Tiers[names[t]]; ok {
		return tc
	}
	return DefaultConfig().Tiers[names[t]]
}

// Entry is a cached fragment plus bookkeeping owned by its tier.
type Entry struct {
	Key        string             `json:"key"`
	Fragment   *fragment.Fragment `json:"fragment"`
	Size       int64              `json:"size"`
	InsertedAt time.Time          `json:"inserted_at"`
	LastAccess time.Time          `json:"last_access"`
	ExpiresAt  time.Time          `json:"expires_at"`
}

// TieredCache is the four-level cache. Safe for concurrent use.
type TieredCache struct {
	tiers []*tier
	now   func() time.Time

	sweepInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
}

// Option customizes a TieredCache.
type Option func(*TieredCache)

// WithClock overrides the cache's time source. Tests use this to simulate
// TTL expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) { c.now = now }
}

// WithBackend attaches a storage backend to the given tier (e.g. Redis
// for L4). The tier's TTL still applies; capacity is managed by the backend.
func WithBackend(t Tier, b Backend) Option {
	return func(c *TieredCache) { c.tiers[t-1].backend = b }
}

// New creates a TieredCache and starts its background sweep loop. Call
// Close to stop the sweeper.
func New(cfg *Config, opts ...Option) *TieredCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &TieredCache{
		now:  time.Now,
		stop: make(chan struct{}),
	}

	minTTL := time.Duration(0)
	for _, t := range []Tier{L1, L2, L3, L4} {
		tc := cfg.tierConfig(t)
		c.tiers = append(c.tiers, newTier(t, tc, func() time.Time { return c.now() }))
		if minTTL == 0 || tc.TTL < minTTL {
			minTTL = tc.TTL
		}
	}
	// Sweep at a tenth of the shortest TTL so L1 entries never linger long
	// past expiry.
	c.sweepInterval = minTTL / 10

	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()
	return c
}

// Get returns the fragment for key from the fastest tier that holds it,
// promoting the entry into all faster tiers on a hit below L1.
func (c *TieredCache) Get(ctx context.Context, key string) (*fragment.Fragment, Tier, bool) {
	for i, t := range c.tiers {
		entry, ok := t.get(ctx, key)
		if !ok {
			continue
		}

		// Promotion: write-through into every faster tier.
		for j := i - 1; j >= 0; j-- {
			if err := c.tiers[j].put(ctx, key, entry.Fragment); err != nil {
				log.Printf("[Cache] promote %s to %s failed: %v", key, c.tiers[j].level, err)
			}
		}
		if i > 0 {
			telemetry.CountCachePromotion(ctx)
		}
		return entry.Fragment, t.level, true
	}
	return nil, 0, false
}

// Put inserts a fragment into the origin tier. A cold fetch from the
// fragment store lands in L4; subsequent hits promote it upward.
func (c *TieredCache) Put(ctx context.Context, key string, frag *fragment.Fragment, origin Tier) error {
	if origin < L1 || origin > L4 {
		origin = L4
	}
	return c.tiers[origin-1].put(ctx, key, frag)
}

// Invalidate removes key from every tier.
func (c *TieredCache) Invalidate(ctx context.Context, key string) {
	for _, t := range c.tiers {
		t.delete(ctx, key)
	}
}

// Stats returns per-tier hit/miss/eviction counters accumulated since the
// last reset.
func (c *TieredCache) Stats() Stats {
	s := Stats{Tiers: make(map[string]TierStats, len(c.tiers))}
	for _, t := range c.tiers {
		ts := t.stats()
		s.Tiers[t.level.String()] = ts
		s.Hits += ts.Hits
		s.Misses += ts.Misses
	}
	// A lookup that falls through all tiers counts one miss per tier; the
	// aggregate rate uses L1 lookups as the request denominator.
	l1 := s.Tiers[L1.String()]
	if total := l1.Hits + l1.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// ResetStats zeroes all tier counters.
func (c *TieredCache) ResetStats() {
	for _, t := range c.tiers {
		t.resetStats()
	}
}

// Close stops the background sweeper.
func (c *TieredCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TieredCache) sweepLoop() {
	if c.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Sweep removes expired entries from all tiers and verifies each tier's
// size accounting. An accounting mismatch is treated as corruption: the
// tier is reset and the event counted.
func (c *TieredCache) Sweep() {
	for _, t := range c.tiers {
		if corrupted := t.sweep(); corrupted {
			log.Printf("[Cache] %s accounting mismatch, tier reset", t.level)
		}
	}
}

// Stats reports cache effectiveness per tier and in aggregate.
type Stats struct {
	Tiers   map[string]TierStats `json:"tiers"`
	Hits    int64                `json:"hits"`
	Misses  int64                `json:"misses"`
	HitRate float64              `json:"hit_rate"`
}

// TierStats are counters for a single tier.
type TierStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Corruptions int64 `json:"corruptions"`
	Entries     int64 `json:"entries"`
	Bytes       int64 `json:"bytes"`
}
