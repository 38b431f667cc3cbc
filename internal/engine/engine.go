// Package engine wires the context loading pipeline together: fragment
// store, tiered cache, classifier, assembler, quality gate, usage
// predictor, and performance monitor. The HTTP API and CLI both sit on
// top of this package.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/assembler"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/classifier"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/monitor"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/predictor"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/quality"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/telemetry"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/config"
)

// Engine is the top-level orchestrator.
type Engine struct {
	cfg       *config.Config
	store     fragment.Store
	client    *fragment.Client
	cache     *cache.TieredCache
	assembler *assembler.Assembler
	monitor   *monitor.Monitor
	predictor *predictor.Predictor
	preloader *predictor.Preloader

	records   *predictor.SQLiteStore
	publisher *monitor.NATSPublisher
	backend   cache.Backend

	runCtx    context.Context
	runCancel context.CancelFunc

	startedAt    time.Time
	shutdownOnce sync.Once
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	store   fragment.Store
	backend cache.Backend
	clock   func() time.Time
}

// WithStore injects a fragment store, replacing the file store the config
// would otherwise open. Local mode and tests use this.
func WithStore(s fragment.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCacheBackend injects an L4 backend, replacing the Redis connection
// the config would otherwise open.
func WithCacheBackend(b cache.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock overrides the engine's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New builds an Engine from config. Optional integrations (redis, NATS,
// sqlite history) attach only when configured; everything else runs
// in-process.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{clock: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{cfg: cfg}

	store := o.store
	if store == nil {
		fs, err := fragment.NewFileStore(cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("open fragment store: %w", err)
		}
		store = fs
	}
	e.store = store
	e.client = fragment.NewClient(store,
		fragment.WithMaxAttempts(uint(cfg.Store.MaxAttempts)),
		fragment.WithBaseInterval(cfg.Store.BaseInterval))

	var cacheOpts []cache.Option
	switch {
	case o.backend != nil:
		e.backend = o.backend
		cacheOpts = append(cacheOpts, cache.WithBackend(cache.L4, o.backend))
	case cfg.Cache.RedisURL != "":
		backend, err := cache.NewRedisBackend(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		e.backend = backend
		cacheOpts = append(cacheOpts, cache.WithBackend(cache.L4, backend))
		log.Printf("[Engine] redis backend attached to L4")
	}
	e.cache = cache.New(&cfg.Cache, cacheOpts...)

	gate, err := buildGate(cfg.Quality)
	if err != nil {
		e.shutdownConns()
		return nil, err
	}

	var monOpts []monitor.MonitorOption
	if cfg.Alerts.URL != "" {
		pub, err := monitor.NewNATSPublisher(monitor.NATSConfig{
			URL:     cfg.Alerts.URL,
			Subject: cfg.Alerts.Subject,
		})
		if err != nil {
			e.shutdownConns()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		e.publisher = pub
		monOpts = append(monOpts, monitor.WithAlertPublisher(pub))
	}
	e.monitor = monitor.New(&cfg.Monitor, monOpts...)

	var predOpts []predictor.PredictorOption
	if cfg.Predictor.HistoryPath != "" {
		records, err := predictor.OpenSQLiteStore(cfg.Predictor.HistoryPath)
		if err != nil {
			e.shutdownConns()
			return nil, fmt.Errorf("open usage history: %w", err)
		}
		e.records = records
		predOpts = append(predOpts, predictor.WithRecordStore(records))
	}
	e.predictor = predictor.New(&cfg.Predictor, predOpts...)

	e.preloader = predictor.NewPreloader(e.predictor, e.cache, e.client, e.monitor, predictor.PreloaderConfig{
		Version: cfg.Assembler.Version,
		Tier:    cache.L2,
		FanOut:  cfg.Assembler.FanOut,
	})

	e.assembler = assembler.New(&cfg.Assembler, classifier.New(&cfg.Classifier),
		e.cache, e.client, gate, assembler.WithClock(o.clock))

	return e, nil
}

// buildGate registers the built-in evaluators and assembles the gate from
// the configured dimensions.
func buildGate(dims []config.QualityDimension) (*quality.Gate, error) {
	registry := quality.NewRegistry()
	RegisterBuiltinEvaluators(registry)

	gateDims := make([]quality.Dimension, len(dims))
	for i, d := range dims {
		gateDims[i] = quality.Dimension{
			Name:      d.Name,
			Evaluator: d.Evaluator,
			Threshold: d.Threshold,
			Mandatory: d.Mandatory,
		}
	}
	return quality.NewGate(registry, gateDims)
}

// Start launches the background preload cycle.
func (e *Engine) Start() error {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.startedAt = time.Now()
	if err := e.preloader.Start(e.runCtx); err != nil {
		return fmt.Errorf("start preloader: %w", err)
	}
	log.Printf("[Engine] started, preload interval %s", e.predictor.PreloadInterval())
	return nil
}

// Stop shuts the engine down. Safe to call more than once.
func (e *Engine) Stop() {
	e.shutdownOnce.Do(func() {
		if e.runCancel != nil {
			e.runCancel()
		}
		e.preloader.Stop()
		e.shutdownConns()
		log.Printf("[Engine] stopped")
	})
}

func (e *Engine) shutdownConns() {
	e.cache.Close()
	if closer, ok := e.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("[Engine] close cache backend: %v", err)
		}
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.records != nil {
		if err := e.records.Close(); err != nil {
			log.Printf("[Engine] close usage history: %v", err)
		}
	}
}

// Assemble runs one context assembly and feeds the outcome into the
// monitor and the usage predictor. Failed assemblies are recorded too;
// only successful ones produce a usage record.
func (e *Engine) Assemble(ctx context.Context, req assembler.Request) (*assembler.Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	telemetry.CountAssembly(ctx)
	ctx, span := telemetry.StartSpan(ctx, "engine.assemble", 0, 0)
	defer span.End()

	result, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		e.monitor.RecordOperation(monitor.Operation{
			RequestID:     req.ID,
			QualityPassed: false,
		})
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("context.complexity", result.Assessment.Score),
		attribute.Int("context.layers", len(result.Layers)),
	)
	telemetry.ObserveAssemblyLatency(ctx, result.Latency.Seconds())

	e.recordOutcome(req, result)
	return result, nil
}

func (e *Engine) recordOutcome(req assembler.Request, result *assembler.Result) {
	e.monitor.RecordOperation(monitor.Operation{
		RequestID:         req.ID,
		Latency:           result.Latency,
		TokensUsed:        result.TokensUsed,
		FullContextTokens: result.FullTokens,
		CacheHits:         result.CacheHits,
		CacheMisses:       result.CacheMisses,
		Layers:            len(result.Layers),
		QualityPassed:     result.Quality.Passed,
		Partial:           result.Partial,
	})

	// A fully cold assembly is the uncached baseline for the speedup ratio.
	if result.CacheHits == 0 && result.CacheMisses > 0 {
		e.monitor.RecordBaseline(result.Latency)
	}

	var keys []string
	for _, layer := range result.Layers {
		keys = append(keys, layer.Keys...)
		for _, source := range layer.Sources {
			e.monitor.RecordCacheAccess(source, source != "store")
		}
	}
	for _, violated := range result.Quality.Violations {
		e.monitor.RecordQualityViolation(violated)
	}

	e.predictor.RecordUsage(predictor.UsageRecord{
		RequesterID:  req.RequesterID,
		Domain:       result.Assessment.Domain,
		Complexity:   result.Assessment.Score,
		FragmentKeys: keys,
		Accepted:     result.Quality.Passed,
		Timestamp:    req.Timestamp,
	})
	if e.runCtx != nil {
		e.preloader.NotifyUsage(e.runCtx)
	}
}

// CacheStats exposes the tiered cache statistics.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// Invalidate removes a key from every cache tier.
func (e *Engine) Invalidate(ctx context.Context, key, domain string) {
	e.cache.Invalidate(ctx, fragment.CacheKey(key, domain, e.cfg.Assembler.Version))
}

// Summary returns rolling performance metrics over the given span.
func (e *Engine) Summary(span time.Duration) monitor.Summary {
	return e.monitor.Summary(span)
}

// Alerts returns currently firing sustained-breach alerts.
func (e *Engine) Alerts() []monitor.Alert {
	return e.monitor.Alerts()
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	return time.Since(e.startedAt)
}
