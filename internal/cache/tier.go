package cache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
)

// tier is a single cache level. Each tier has its own lock so a miss that
// falls through to a slower tier never blocks readers of a faster one.
type tier struct {
	level Tier
	cfg   TierConfig
	now   func() time.Time

	// Optional storage backend (e.g. Redis). When set, the in-memory map
	// is bypassed and the backend owns capacity management.
	backend Backend

	mu      sync.RWMutex
	entries map[string]*Entry
	bytes   int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	corruptions int64
}

func newTier(level Tier, cfg TierConfig, now func() time.Time) *tier {
	return &tier{
		level:   level,
		cfg:     cfg,
		now:     now,
		entries: make(map[string]*Entry),
	}
}

func (t *tier) get(ctx context.Context, key string) (*Entry, bool) {
	if t.backend != nil {
		return t.backendGet(ctx, key)
	}

	t.mu.RLock()
	entry, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		t.count(func() { t.misses++ })
		return nil, false
	}

	now := t.now()
	if now.After(entry.ExpiresAt) {
		t.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// replaced the entry in the meantime.
		if cur, still := t.entries[key]; still && now.After(cur.ExpiresAt) {
			t.bytes -= cur.Size
			delete(t.entries, key)
			t.expirations++
		}
		t.misses++
		t.mu.Unlock()
		return nil, false
	}

	t.mu.Lock()
	entry.LastAccess = now
	t.hits++
	t.mu.Unlock()
	return entry, true
}

func (t *tier) put(ctx context.Context, key string, frag *fragment.Fragment) error {
	now := t.now()
	entry := &Entry{
		Key:        key,
		Fragment:   frag,
		Size:       entrySize(frag),
		InsertedAt: now,
		LastAccess: now,
		ExpiresAt:  now.Add(t.cfg.TTL),
	}

	if t.backend != nil {
		return t.backend.Set(ctx, key, entry, t.cfg.TTL)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		t.bytes -= old.Size
	}
	t.entries[key] = entry
	t.bytes += entry.Size

	t.evictLocked()
	return nil
}

func (t *tier) delete(ctx context.Context, key string) {
	if t.backend != nil {
		if err := t.backend.Delete(ctx, key); err != nil {
			log.Printf("[Cache] %s backend delete %s: %v", t.level, key, err)
		}
		return
	}

	t.mu.Lock()
	if entry, ok := t.entries[key]; ok {
		t.bytes -= entry.Size
		delete(t.entries, key)
	}
	t.mu.Unlock()
}

// evictLocked applies the tier's size bounds, removing least-recently-used
// entries first. Caller holds t.mu.
func (t *tier) evictLocked() {
	for t.overCapacityLocked() {
		var oldestKey string
		var oldest time.Time
		first := true
		for key, entry := range t.entries {
			if first || entry.LastAccess.Before(oldest) {
				oldestKey = key
				oldest = entry.LastAccess
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		t.bytes -= t.entries[oldestKey].Size
		delete(t.entries, oldestKey)
		t.evictions++
	}
}

func (t *tier) overCapacityLocked() bool {
	if t.cfg.MaxEntries > 0 && len(t.entries) > t.cfg.MaxEntries {
		return true
	}
	if t.cfg.MaxBytes > 0 && t.bytes > t.cfg.MaxBytes {
		return true
	}
	return false
}

// sweep removes expired entries and verifies byte accounting. Returns true
// if the accounting was inconsistent and the tier was reset.
func (t *tier) sweep() bool {
	if t.backend != nil {
		// Backend TTLs are enforced by the backend itself.
		return false
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var total int64
	for key, entry := range t.entries {
		if now.After(entry.ExpiresAt) {
			t.bytes -= entry.Size
			delete(t.entries, key)
			t.expirations++
			continue
		}
		total += entry.Size
	}

	if total != t.bytes {
		t.entries = make(map[string]*Entry)
		t.bytes = 0
		t.corruptions++
		return true
	}
	return false
}

func (t *tier) backendGet(ctx context.Context, key string) (*Entry, bool) {
	entry, ok, err := t.backend.Get(ctx, key)
	if err != nil {
		// Backend failures are recovered locally: the lookup falls through
		// to the next tier or the fragment store.
		log.Printf("[Cache] %s backend get %s: %v", t.level, key, err)
		t.count(func() { t.misses++ })
		return nil, false
	}
	if !ok {
		t.count(func() { t.misses++ })
		return nil, false
	}
	t.count(func() { t.hits++ })
	return entry, true
}

func (t *tier) count(fn func()) {
	t.mu.Lock()
	fn()
	t.mu.Unlock()
}

func (t *tier) stats() TierStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TierStats{
		Hits:        t.hits,
		Misses:      t.misses,
		Evictions:   t.evictions,
		Expirations: t.expirations,
		Corruptions: t.corruptions,
		Entries:     int64(len(t.entries)),
		Bytes:       t.bytes,
	}
}

func (t *tier) resetStats() {
	t.mu.Lock()
	t.hits = 0
	t.misses = 0
	t.evictions = 0
	t.expirations = 0
	t.corruptions = 0
	t.mu.Unlock()
}

func entrySize(frag *fragment.Fragment) int64 {
	if frag == nil {
		return 0
	}
	return int64(len(frag.Content) + len(frag.Key) + len(frag.Domain) + len(frag.Version))
}
