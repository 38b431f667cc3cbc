// Package predictor learns per-requester usage patterns and speculatively
// warms the cache ahead of predicted requests. Prediction is a pure
// function over an explicit history window, so tests drive it with fixed
// histories; the "intelligence" is a tunable frequency heuristic, not a
// black box.
package predictor

import (
	"sort"
	"sync"
	"time"
)

// UsageRecord captures what one completed request actually consumed.
type UsageRecord struct {
	RequesterID  string    `json:"requester_id"`
	Domain       string    `json:"domain"`
	Complexity   int       `json:"complexity"`
	FragmentKeys []string  `json:"fragment_keys"`
	Accepted     bool      `json:"accepted"`
	Timestamp    time.Time `json:"timestamp"`
}

// Prediction is the predictor's output for one requester and domain.
type Prediction struct {
	Keys        []string  `json:"keys"`
	Confidence  float64   `json:"confidence"`
	WindowSize  int       `json:"window_size"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Config tunes the prediction window and thresholds.
type Config struct {
	MaxRecords      int           `yaml:"max_records" json:"max_records"`
	Retention       time.Duration `yaml:"retention" json:"retention"`
	ConfidenceFloor float64       `yaml:"confidence_floor" json:"confidence_floor"`
	TopN            int           `yaml:"top_n" json:"top_n"`
	PreloadInterval time.Duration `yaml:"preload_interval" json:"preload_interval"`
	PreloadEvery    int           `yaml:"preload_every" json:"preload_every"`
	HistoryPath     string        `yaml:"history_path" json:"history_path,omitempty"`
}

// DefaultConfig returns a 50-record / 90-day window with a 0.8 confidence
// floor and a 60-second preload cycle.
func DefaultConfig() *Config {
	return &Config{
		MaxRecords:      50,
		Retention:       90 * 24 * time.Hour,
		ConfidenceFloor: 0.8,
		TopN:            10,
		PreloadInterval: time.Minute,
	}
}

// requesterHistory is one requester's sliding window, guarded by its own
// lock so appends from concurrent requests never contend across requesters.
type requesterHistory struct {
	mu      sync.Mutex
	records []UsageRecord
}

// Predictor maintains usage histories and computes predictions.
type Predictor struct {
	cfg *Config
	now func() time.Time

	mu        sync.RWMutex
	histories map[string]*requesterHistory

	store RecordStore
}

// PredictorOption customizes a Predictor.
type PredictorOption func(*Predictor)

// WithClock overrides the predictor's time source for tests.
func WithClock(now func() time.Time) PredictorOption {
	return func(p *Predictor) { p.now = now }
}

// WithRecordStore attaches a persistence layer. Existing records within the
// retention window are loaded on construction.
func WithRecordStore(store RecordStore) PredictorOption {
	return func(p *Predictor) { p.store = store }
}

// New creates a Predictor.
func New(cfg *Config, opts ...PredictorOption) *Predictor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Predictor{
		cfg:       cfg,
		now:       time.Now,
		histories: make(map[string]*requesterHistory),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store != nil {
		p.loadFromStore()
	}
	return p
}

// RecordUsage appends a record to its requester's window, pruning records
// beyond the configured count and retention bounds.
func (p *Predictor) RecordUsage(rec UsageRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now()
	}

	h := p.history(rec.RequesterID)

	h.mu.Lock()
	h.records = append(h.records, rec)
	h.records = p.pruneLocked(h.records)
	h.mu.Unlock()

	if p.store != nil {
		if err := p.store.Append(rec); err != nil {
			// Persistence is best-effort; the in-memory window stays
			// authoritative for this process.
			logStoreError("append", err)
		}
	}
}

// Predict computes frequency-weighted key support within the requester's
// window for the given domain. Keys whose support clears the confidence
// floor are returned, strongest first. A confidence below the floor is a
// normal outcome, not an error.
func (p *Predictor) Predict(requesterID, domain string) Prediction {
	h := p.history(requesterID)

	h.mu.Lock()
	window := p.pruneLocked(h.records)
	h.records = window
	// Snapshot under the lock; scoring happens outside it.
	matched := make([]UsageRecord, 0, len(window))
	for _, rec := range window {
		if rec.Domain == domain && rec.Accepted {
			matched = append(matched, rec)
		}
	}
	h.mu.Unlock()

	pred := Prediction{GeneratedAt: p.now(), WindowSize: len(matched)}
	if len(matched) == 0 {
		return pred
	}

	counts := make(map[string]int)
	for _, rec := range matched {
		seen := make(map[string]bool, len(rec.FragmentKeys))
		for _, key := range rec.FragmentKeys {
			if !seen[key] {
				counts[key]++
				seen[key] = true
			}
		}
	}

	type support struct {
		key   string
		score float64
	}
	supports := make([]support, 0, len(counts))
	for key, n := range counts {
		supports = append(supports, support{key: key, score: float64(n) / float64(len(matched))})
	}
	sort.Slice(supports, func(i, j int) bool {
		if supports[i].score != supports[j].score {
			return supports[i].score > supports[j].score
		}
		return supports[i].key < supports[j].key
	})

	for _, s := range supports {
		if s.score > pred.Confidence {
			pred.Confidence = s.score
		}
		if s.score < p.cfg.ConfidenceFloor {
			continue
		}
		if p.cfg.TopN > 0 && len(pred.Keys) >= p.cfg.TopN {
			break
		}
		pred.Keys = append(pred.Keys, s.key)
	}
	return pred
}

// Requesters returns a snapshot of known requester IDs with the domains
// seen in their windows, used by the preload cycle.
func (p *Predictor) Requesters() map[string][]string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.histories))
	for id := range p.histories {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		h := p.history(id)
		h.mu.Lock()
		domains := make(map[string]bool)
		for _, rec := range h.records {
			domains[rec.Domain] = true
		}
		h.mu.Unlock()

		list := make([]string, 0, len(domains))
		for d := range domains {
			list = append(list, d)
		}
		sort.Strings(list)
		out[id] = list
	}
	return out
}

func (p *Predictor) history(requesterID string) *requesterHistory {
	p.mu.RLock()
	h, ok := p.histories[requesterID]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.histories[requesterID]; ok {
		return h
	}
	h = &requesterHistory{}
	p.histories[requesterID] = h
	return h
}

// pruneLocked enforces the window bounds: at most MaxRecords entries, none
// older than Retention. Caller holds the history lock.
func (p *Predictor) pruneLocked(records []UsageRecord) []UsageRecord {
	cutoff := p.now().Add(-p.cfg.Retention)
	kept := records[:0]
	for _, rec := range records {
		if rec.Timestamp.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	if p.cfg.MaxRecords > 0 && len(kept) > p.cfg.MaxRecords {
		kept = kept[len(kept)-p.cfg.MaxRecords:]
	}
	return kept
}

// PruneHistory drops persisted records older than the retention window.
// The in-memory windows prune themselves on append; this keeps the
// on-disk history bounded across restarts. No-op without a store.
func (p *Predictor) PruneHistory() {
	if p.store == nil {
		return
	}
	if _, err := p.store.Prune(p.now().Add(-p.cfg.Retention)); err != nil {
		logStoreError("prune", err)
	}
}

func (p *Predictor) loadFromStore() {
	records, err := p.store.Load(p.now().Add(-p.cfg.Retention))
	if err != nil {
		logStoreError("load", err)
		return
	}
	p.PruneHistory()
	for _, rec := range records {
		h := p.history(rec.RequesterID)
		h.mu.Lock()
		h.records = append(h.records, rec)
		h.records = p.pruneLocked(h.records)
		h.mu.Unlock()
	}
}
