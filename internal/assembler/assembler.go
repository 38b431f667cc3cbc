// Package assembler builds layered context for a task. The classifier's
// complexity score decides which layers activate, each layer resolves its
// fragment keys through the tiered cache (falling back to the fragment
// store), and the result passes the quality gate before it is returned.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/classifier"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/quality"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/types"
)

// Layer activation thresholds: layer 2 joins at complexity 4, layer 3 at 7.
const (
	Layer2Threshold = 4
	Layer3Threshold = 7
)

// Request describes one upcoming task.
type Request struct {
	ID                 string    `json:"id"`
	Description        string    `json:"description"`
	ExplicitComplexity *int      `json:"explicit_complexity,omitempty"`
	DomainHint         *string   `json:"domain_hint,omitempty"`
	RequesterID        string    `json:"requester_id"`
	Timestamp          time.Time `json:"timestamp"`
}

// LayerConfig defines one context layer: its token budget and the fragment
// keys it loads per domain. Keys under the generic domain serve as the
// fallback when a domain has no entry of its own.
type LayerConfig struct {
	Ordinal int                 `yaml:"ordinal" json:"ordinal"`
	Budget  int                 `yaml:"budget" json:"budget"`
	Keys    map[string][]string `yaml:"keys" json:"keys"`
}

// Config tunes the assembler.
type Config struct {
	Layers []LayerConfig `yaml:"layers" json:"layers"`
	// FanOut bounds concurrent fragment fetches across all layers of one
	// request.
	FanOut int `yaml:"fan_out" json:"fan_out"`
	// Version is the content version used in cache key derivation.
	Version string `yaml:"version" json:"version"`
	// LatencyTargets map the highest active layer to its wall-clock
	// target. Exceeding a target is logged, never fatal.
	LatencyTargets map[int]time.Duration `yaml:"latency_targets" json:"latency_targets"`
}

// DefaultConfig returns the default layer budgets and latency targets.
func DefaultConfig() *Config {
	return &Config{
		Layers: []LayerConfig{
			{Ordinal: 1, Budget: 2000, Keys: map[string][]string{}},
			{Ordinal: 2, Budget: 3000, Keys: map[string][]string{}},
			{Ordinal: 3, Budget: 5000, Keys: map[string][]string{}},
		},
		FanOut:  20,
		Version: "1",
		LatencyTargets: map[int]time.Duration{
			1: 100 * time.Millisecond,
			2: 200 * time.Millisecond,
			3: 500 * time.Millisecond,
		},
	}
}

// LayerResult reports what one layer actually loaded.
type LayerResult struct {
	Ordinal int               `json:"ordinal"`
	Budget  int               `json:"budget"`
	Tokens  int               `json:"tokens"`
	Keys    []string          `json:"keys"`
	Partial bool              `json:"partial"`
	Sources map[string]string `json:"sources,omitempty"` // key -> tier name, "store" on cold fetch
}

// Result is an assembled context ready for consumption.
type Result struct {
	RequestID   string                `json:"request_id"`
	Assessment  classifier.Assessment `json:"assessment"`
	Layers      []LayerResult         `json:"layers"`
	Content     []byte                `json:"content"`
	Quality     quality.Score         `json:"quality"`
	Partial     bool                  `json:"partial"`
	Escalated   bool                  `json:"escalated"`
	Latency     time.Duration         `json:"latency"`
	TokensUsed  int                   `json:"tokens_used"`
	FullTokens  int                   `json:"full_tokens"`
	CacheHits   int64                 `json:"cache_hits"`
	CacheMisses int64                 `json:"cache_misses"`
}

// Assembler coordinates classification, cache-backed fragment loading, and
// quality gating. Safe for concurrent use.
type Assembler struct {
	cfg        *Config
	classifier *classifier.Classifier
	cache      *cache.TieredCache
	client     *fragment.Client
	gate       *quality.Gate
	sem        *semaphore.Weighted
	now        func() time.Time
}

// AssemblerOption customizes an Assembler.
type AssemblerOption func(*Assembler)

// WithClock overrides the assembler's time source for tests.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// New creates an Assembler.
func New(cfg *Config, cls *classifier.Classifier, c *cache.TieredCache, client *fragment.Client, gate *quality.Gate, opts ...AssemblerOption) *Assembler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 20
	}
	a := &Assembler{
		cfg:        cfg,
		classifier: cls,
		cache:      c,
		client:     client,
		gate:       gate,
		sem:        semaphore.NewWeighted(int64(fanOut)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble runs the full pipeline for one request. It returns either a
// complete result (possibly flagged partial on optional layers) or a typed
// error; mandatory content never degrades silently.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Result, error) {
	start := a.now()

	assessment := a.classifier.Classify(req.Description, req.ExplicitComplexity, req.DomainHint)
	layers := a.activeLayers(assessment.Score)

	result, err := a.assembleLayers(ctx, req, assessment, layers)
	if err != nil {
		return nil, err
	}

	result.Quality = a.gate.Evaluate(result.Content)

	// One escalation retry: force layer 3 on and re-evaluate before giving up.
	if !result.Quality.Passed && !hasLayer(layers, 3) {
		log.Printf("[Assembler] request %s failed quality gate, escalating with layer 3", req.ID)
		escalated, eErr := a.assembleLayers(ctx, req, assessment, a.withLayer3(layers))
		if eErr == nil {
			escalated.Quality = a.gate.Evaluate(escalated.Content)
			escalated.Escalated = true
			result = escalated
		}
	}

	result.Latency = a.now().Sub(start)
	a.checkLatencyTarget(req.ID, result)

	if !result.Quality.Passed {
		return nil, types.NewError(types.KindQualityGateFailed, "assembler.Assemble",
			fmt.Errorf("request %s: violated dimensions %v", req.ID, result.Quality.Violations))
	}
	return result, nil
}

// activeLayers returns the layer configs activated by the complexity score.
func (a *Assembler) activeLayers(score int) []LayerConfig {
	var active []LayerConfig
	for _, layer := range a.cfg.Layers {
		switch {
		case layer.Ordinal == 1,
			layer.Ordinal == 2 && score >= Layer2Threshold,
			layer.Ordinal == 3 && score >= Layer3Threshold:
			active = append(active, layer)
		}
	}
	return active
}

// withLayer3 appends layer 3 to the active set for the escalation retry.
func (a *Assembler) withLayer3(layers []LayerConfig) []LayerConfig {
	out := append([]LayerConfig{}, layers...)
	for _, layer := range a.cfg.Layers {
		if layer.Ordinal == 3 && !hasLayer(out, 3) {
			out = append(out, layer)
		}
	}
	return out
}

// assembleLayers loads all active layers in parallel and concatenates their
// content in ordinal order.
func (a *Assembler) assembleLayers(ctx context.Context, req Request, assessment classifier.Assessment, layers []LayerConfig) (*Result, error) {
	result := &Result{
		RequestID:  req.ID,
		Assessment: assessment,
		Layers:     make([]LayerResult, len(layers)),
	}
	contents := make([][]byte, len(layers))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)

	for i, layer := range layers {
		i, layer := i, layer
		g.Go(func() error {
			lr, content, hits, misses, err := a.loadLayer(gCtx, layer, assessment.Domain)

			mu.Lock()
			result.CacheHits += hits
			result.CacheMisses += misses
			mu.Unlock()

			if err != nil {
				if layer.Ordinal == 1 {
					// Layer 1 is mandatory: no degraded mode.
					if ctx.Err() != nil {
						return types.NewError(types.KindTimeout, "assembler.loadLayer", ctx.Err())
					}
					return types.NewError(types.KindAssemblyFailed, "assembler.loadLayer",
						fmt.Errorf("layer 1: %w", err))
				}
				// Optional layers tolerate failure; keep what succeeded.
				lr.Partial = true
			}

			result.Layers[i] = lr
			contents[i] = content
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for i := range layers {
		buf.Write(contents[i])
		result.TokensUsed += result.Layers[i].Tokens
		if result.Layers[i].Partial {
			result.Partial = true
		}
	}
	// Theoretical full-context size: the budgets of every configured
	// layer, the denominator of the token-efficiency ratio.
	for _, layer := range a.cfg.Layers {
		result.FullTokens += layer.Budget
	}
	result.Content = buf.Bytes()
	return result, nil
}

// loadLayer resolves the layer's fragment keys through the cache and
// selects fragments greedily by relevance within the token budget.
func (a *Assembler) loadLayer(ctx context.Context, layer LayerConfig, domain string) (LayerResult, []byte, int64, int64, error) {
	lr := LayerResult{
		Ordinal: layer.Ordinal,
		Budget:  layer.Budget,
		Sources: make(map[string]string),
	}

	keys := a.resolveKeys(layer, domain)
	if len(keys) == 0 {
		return lr, nil, 0, 0, nil
	}

	type fetched struct {
		key    string
		frag   *fragment.Fragment
		source string
		err    error
	}

	results := make([]fetched, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := a.sem.Acquire(ctx, 1); err != nil {
				results[i] = fetched{key: key, err: err}
				return nil
			}
			defer a.sem.Release(1)

			frag, source, err := a.fetchFragment(ctx, key, domain)
			results[i] = fetched{key: key, frag: frag, source: source, err: err}
			return nil
		})
	}
	g.Wait()

	var hits, misses int64
	var candidates []*fragment.Fragment
	var failed error
	for _, r := range results {
		if r.err != nil {
			failed = fmt.Errorf("fragment %q: %w", r.key, r.err)
			lr.Partial = true
			continue
		}
		if r.source == "store" {
			misses++
		} else {
			hits++
		}
		lr.Sources[r.key] = r.source
		candidates = append(candidates, r.frag)
	}

	// Greedy best-fit by relevance: strongest candidates first, stop once
	// the next one would overflow the budget. Ties break on key so the
	// selection is deterministic for identical cache state.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Relevance != candidates[j].Relevance {
			return candidates[i].Relevance > candidates[j].Relevance
		}
		return candidates[i].Key < candidates[j].Key
	})

	var buf bytes.Buffer
	for _, frag := range candidates {
		if lr.Tokens+frag.TokenCount > layer.Budget {
			break
		}
		buf.Write(frag.Content)
		buf.WriteByte('\n')
		lr.Tokens += frag.TokenCount
		lr.Keys = append(lr.Keys, frag.Key)
	}

	if failed != nil && layer.Ordinal == 1 {
		return lr, nil, hits, misses, failed
	}
	return lr, buf.Bytes(), hits, misses, nil
}

// fetchFragment serves a key from the fastest cache tier that holds it, or
// fetches from the store and seeds L4 on a full miss.
func (a *Assembler) fetchFragment(ctx context.Context, key, domain string) (*fragment.Fragment, string, error) {
	cacheKey := fragment.CacheKey(key, domain, a.cfg.Version)

	if frag, tier, ok := a.cache.Get(ctx, cacheKey); ok {
		return frag, tier.String(), nil
	}

	frag, err := a.client.FetchFragment(ctx, key)
	if err != nil {
		return nil, "", err
	}

	if err := a.cache.Put(ctx, cacheKey, frag, cache.L4); err != nil {
		log.Printf("[Assembler] cache put %s: %v", cacheKey, err)
	}
	return frag, "store", nil
}

// resolveKeys returns the layer's key set for the domain, falling back to
// the generic set.
func (a *Assembler) resolveKeys(layer LayerConfig, domain string) []string {
	if keys, ok := layer.Keys[domain]; ok {
		return keys
	}
	return layer.Keys[classifier.GenericDomain]
}

func (a *Assembler) checkLatencyTarget(requestID string, result *Result) {
	highest := 0
	for _, lr := range result.Layers {
		if lr.Ordinal > highest {
			highest = lr.Ordinal
		}
	}
	target, ok := a.cfg.LatencyTargets[highest]
	if ok && result.Latency > target {
		log.Printf("[Assembler] request %s exceeded layer-%d latency target: %s > %s",
			requestID, highest, result.Latency, target)
	}
}

func hasLayer(layers []LayerConfig, ordinal int) bool {
	for _, l := range layers {
		if l.Ordinal == ordinal {
			return true
		}
	}
	return false
}
