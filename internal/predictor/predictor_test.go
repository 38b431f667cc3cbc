package predictor

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
)

func record(requester, domain string, keys ...string) UsageRecord {
	return UsageRecord{
		RequesterID:  requester,
		Domain:       domain,
		Complexity:   5,
		FragmentKeys: keys,
		Accepted:     true,
		Timestamp:    time.Now(),
	}
}

func TestDominantPatternPredicted(t *testing.T) {
	p := New(DefaultConfig())

	// The same pair of keys appears in every request.
	for i := 0; i < 20; i++ {
		p.RecordUsage(record("dev-1", "backend", "frag-api", "frag-db"))
	}

	pred := p.Predict("dev-1", "backend")
	if pred.Confidence < 0.8 {
		t.Fatalf("expected confidence >= 0.8 for dominant pattern, got %.2f", pred.Confidence)
	}
	if len(pred.Keys) != 2 {
		t.Fatalf("expected 2 predicted keys, got %v", pred.Keys)
	}
}

func TestUniformRandomHistoryStaysBelowFloor(t *testing.T) {
	p := New(DefaultConfig())
	rng := rand.New(rand.NewSource(1))

	// Each record references one of 40 keys uniformly at random.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("frag-%d", rng.Intn(40))
		p.RecordUsage(record("dev-1", "backend", key))
	}

	pred := p.Predict("dev-1", "backend")
	if pred.Confidence >= 0.8 {
		t.Fatalf("expected confidence below floor for random history, got %.2f", pred.Confidence)
	}
	if len(pred.Keys) != 0 {
		t.Errorf("expected no confident keys, got %v", pred.Keys)
	}
}

func TestWindowBoundedByMaxRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecords = 10
	p := New(cfg)

	// Old pattern, then a new one that fills the whole window.
	for i := 0; i < 10; i++ {
		p.RecordUsage(record("dev-1", "backend", "old-key"))
	}
	for i := 0; i < 10; i++ {
		p.RecordUsage(record("dev-1", "backend", "new-key"))
	}

	pred := p.Predict("dev-1", "backend")
	if len(pred.Keys) != 1 || pred.Keys[0] != "new-key" {
		t.Fatalf("expected only new-key after window slide, got %v", pred.Keys)
	}
}

func TestRetentionPrunesOldRecords(t *testing.T) {
	now := time.Now()
	p := New(DefaultConfig(), WithClock(func() time.Time { return now }))

	old := record("dev-1", "backend", "stale-key")
	old.Timestamp = now.Add(-91 * 24 * time.Hour)
	p.RecordUsage(old)

	pred := p.Predict("dev-1", "backend")
	if pred.WindowSize != 0 {
		t.Fatalf("expected empty window after retention prune, got %d", pred.WindowSize)
	}
}

func TestRejectedRecordsIgnored(t *testing.T) {
	p := New(DefaultConfig())

	rec := record("dev-1", "backend", "bad-key")
	rec.Accepted = false
	for i := 0; i < 10; i++ {
		p.RecordUsage(rec)
	}

	pred := p.Predict("dev-1", "backend")
	if len(pred.Keys) != 0 {
		t.Errorf("expected rejected usage excluded from prediction, got %v", pred.Keys)
	}
}

func TestDomainsAreIndependent(t *testing.T) {
	p := New(DefaultConfig())

	for i := 0; i < 10; i++ {
		p.RecordUsage(record("dev-1", "backend", "api-key"))
		p.RecordUsage(record("dev-1", "frontend", "css-key"))
	}

	pred := p.Predict("dev-1", "backend")
	for _, key := range pred.Keys {
		if key == "css-key" {
			t.Error("frontend key leaked into backend prediction")
		}
	}
}

func TestPreloadCycleWarmsCache(t *testing.T) {
	p := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		p.RecordUsage(record("dev-1", "backend", "frag-hot"))
	}

	store := fragment.NewMemoryStore()
	store.Add(&fragment.Fragment{Key: "frag-hot", Domain: "backend", Content: []byte("x"), TokenCount: 1})
	client := fragment.NewClient(store, fragment.WithBaseInterval(time.Millisecond))

	c := cache.New(nil)
	defer c.Close()

	pl := NewPreloader(p, c, client, nil, PreloaderConfig{Version: "1"})
	pl.RunPreloadCycle(context.Background())

	key := fragment.CacheKey("frag-hot", "backend", "1")
	_, tier, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected preloaded fragment in cache")
	}
	if tier != cache.L2 {
		t.Errorf("expected preload into L2, got %s", tier)
	}
}

func TestPreloadSkipsLowConfidence(t *testing.T) {
	p := New(DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		p.RecordUsage(record("dev-1", "backend", fmt.Sprintf("frag-%d", rng.Intn(40))))
	}

	store := fragment.NewMemoryStore()
	client := fragment.NewClient(store, fragment.WithBaseInterval(time.Millisecond))

	c := cache.New(nil)
	defer c.Close()

	pl := NewPreloader(p, c, client, nil, PreloaderConfig{Version: "1"})
	pl.RunPreloadCycle(context.Background())

	if n := store.FetchCount(); n != 0 {
		t.Errorf("expected no store fetches below confidence floor, got %d", n)
	}
}

func TestPreloadCyclePrunesPersistedHistory(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	defer store.Close()

	now := time.Now()
	p := New(DefaultConfig(), WithRecordStore(store), WithClock(func() time.Time { return now }))

	stale := record("dev-1", "backend", "stale-key")
	stale.Timestamp = now.Add(-91 * 24 * time.Hour)
	p.RecordUsage(stale)
	p.RecordUsage(record("dev-1", "backend", "fresh-key"))

	c := cache.New(nil)
	defer c.Close()
	client := fragment.NewClient(fragment.NewMemoryStore(), fragment.WithBaseInterval(time.Millisecond))

	pl := NewPreloader(p, c, client, nil, PreloaderConfig{Version: "1"})
	pl.RunPreloadCycle(context.Background())

	records, err := store.Load(now.Add(-365 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected stale record pruned from store, got %d records", len(records))
	}
	if records[0].FragmentKeys[0] != "fresh-key" {
		t.Errorf("wrong record survived prune: %v", records[0].FragmentKeys)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	defer store.Close()

	rec := record("dev-1", "backend", "frag-a", "frag-b")
	if err := store.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	records, err := store.Load(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(records[0].FragmentKeys) != 2 {
		t.Errorf("expected 2 fragment keys, got %v", records[0].FragmentKeys)
	}

	n, err := store.Prune(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned record, got %d", n)
	}
}
