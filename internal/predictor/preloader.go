package predictor

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/monitor"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/telemetry"
)

// Warmer is the slice of the cache the preloader touches. The preloader
// and the request path share no state besides this interface.
type Warmer interface {
	Get(ctx context.Context, key string) (*fragment.Fragment, cache.Tier, bool)
	Put(ctx context.Context, key string, frag *fragment.Fragment, origin cache.Tier) error
}

// Fetcher fetches fragments from the store for preloading.
type Fetcher interface {
	FetchFragment(ctx context.Context, key string) (*fragment.Fragment, error)
}

// Preloader runs the background preload cycle: predict, fetch, warm.
// Cycles are fire-and-forget and never block foreground assembly.
type Preloader struct {
	predictor *Predictor
	warmer    Warmer
	fetcher   Fetcher
	monitor   *monitor.Monitor

	version string
	tier    cache.Tier
	fanOut  int

	cron    *cron.Cron
	usages  atomic.Int64
	running atomic.Bool
}

// PreloaderConfig tunes the preload cycle.
type PreloaderConfig struct {
	// Version is the content version used in cache key derivation.
	Version string
	// Tier is where preloaded fragments land; L2 keeps them warm without
	// crowding L1.
	Tier cache.Tier
	// FanOut bounds concurrent store fetches per cycle.
	FanOut int
}

// NewPreloader creates a Preloader. The monitor may be nil.
func NewPreloader(p *Predictor, warmer Warmer, fetcher Fetcher, mon *monitor.Monitor, cfg PreloaderConfig) *Preloader {
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Tier == 0 {
		cfg.Tier = cache.L2
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 4
	}
	return &Preloader{
		predictor: p,
		warmer:    warmer,
		fetcher:   fetcher,
		monitor:   mon,
		version:   cfg.Version,
		tier:      cfg.Tier,
		fanOut:    cfg.FanOut,
	}
}

// Start schedules periodic preload cycles at the predictor's configured
// interval. It returns immediately; cycles run on the cron's goroutine.
func (pl *Preloader) Start(ctx context.Context) error {
	interval := pl.predictor.cfg.PreloadInterval
	if interval <= 0 {
		return nil
	}

	pl.cron = cron.New()
	_, err := pl.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		pl.RunPreloadCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling preload cycle: %w", err)
	}
	pl.cron.Start()
	log.Printf("[Preloader] cycle scheduled every %s", interval)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (pl *Preloader) Stop() {
	if pl.cron != nil {
		<-pl.cron.Stop().Done()
	}
}

// NotifyUsage triggers an extra asynchronous cycle after every K recorded
// usages when configured.
func (pl *Preloader) NotifyUsage(ctx context.Context) {
	k := pl.predictor.cfg.PreloadEvery
	if k <= 0 {
		return
	}
	if pl.usages.Add(1)%int64(k) == 0 {
		go pl.RunPreloadCycle(ctx)
	}
}

// RunPreloadCycle predicts the next likely fragment keys for every active
// requester and warms the cache for confident predictions. Overlapping
// cycles are collapsed into one.
func (pl *Preloader) RunPreloadCycle(ctx context.Context) {
	if !pl.running.CompareAndSwap(false, true) {
		return
	}
	defer pl.running.Store(false)
	telemetry.CountPreloadCycle(ctx)
	pl.predictor.PruneHistory()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(pl.fanOut)

	for requesterID, domains := range pl.predictor.Requesters() {
		for _, domain := range domains {
			pred := pl.predictor.Predict(requesterID, domain)
			if pl.monitor != nil {
				pl.monitor.RecordPredictionConfidence(pred.Confidence)
			}
			// Below the floor there is nothing to do; that is a normal
			// outcome, not an error.
			if len(pred.Keys) == 0 {
				continue
			}

			for _, key := range pred.Keys {
				key, domain := key, domain
				g.Go(func() error {
					pl.preloadKey(gCtx, key, domain)
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		log.Printf("[Preloader] cycle aborted: %v", err)
	}
}

func (pl *Preloader) preloadKey(ctx context.Context, key, domain string) {
	cacheKey := fragment.CacheKey(key, domain, pl.version)
	if _, _, ok := pl.warmer.Get(ctx, cacheKey); ok {
		return
	}

	frag, err := pl.fetcher.FetchFragment(ctx, key)
	if err != nil {
		if pl.monitor != nil {
			pl.monitor.RecordPreload(false)
		}
		log.Printf("[Preloader] fetch %s: %v", key, err)
		return
	}

	if err := pl.warmer.Put(ctx, cacheKey, frag, pl.tier); err != nil {
		if pl.monitor != nil {
			pl.monitor.RecordPreload(false)
		}
		log.Printf("[Preloader] warm %s: %v", cacheKey, err)
		return
	}
	if pl.monitor != nil {
		pl.monitor.RecordPreload(true)
	}
}

// PreloadInterval returns the configured cycle interval.
func (p *Predictor) PreloadInterval() time.Duration {
	return p.cfg.PreloadInterval
}

// ConfidenceFloor returns the configured floor.
func (p *Predictor) ConfidenceFloor() float64 {
	return p.cfg.ConfidenceFloor
}
