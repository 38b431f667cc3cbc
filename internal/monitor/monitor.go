// Package monitor records per-request performance samples, aggregates them
// into fixed-duration windows, and raises alerts when rolling metrics stay
// below target for several consecutive windows. Single-window dips never
// alert; sustained degradation does.
package monitor

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config tunes windowing and alerting.
type Config struct {
	WindowDuration time.Duration   `yaml:"window_duration" json:"window_duration"`
	MaxWindows     int             `yaml:"max_windows" json:"max_windows"`
	BreachWindows  int             `yaml:"breach_windows" json:"breach_windows"`
	Thresholds     AlertThresholds `yaml:"thresholds" json:"thresholds"`
}

// AlertThresholds are the minimum acceptable rolling metrics. Zero values
// disable the corresponding check.
type AlertThresholds struct {
	MinHitRate         float64       `yaml:"min_hit_rate" json:"min_hit_rate"`
	MaxAvgLatency      time.Duration `yaml:"max_avg_latency" json:"max_avg_latency"`
	MinTokenEfficiency float64       `yaml:"min_token_efficiency" json:"min_token_efficiency"`
}

// DefaultConfig returns one-minute windows with a three-window breach
// requirement and the published targets as thresholds.
func DefaultConfig() *Config {
	return &Config{
		WindowDuration: time.Minute,
		MaxWindows:     60,
		BreachWindows:  3,
		Thresholds: AlertThresholds{
			MinHitRate:         0.9,
			MaxAvgLatency:      500 * time.Millisecond,
			MinTokenEfficiency: 0.3,
		},
	}
}

// Operation is one completed assembly's performance sample.
type Operation struct {
	RequestID         string
	Latency           time.Duration
	TokensUsed        int
	FullContextTokens int
	CacheHits         int64
	CacheMisses       int64
	Layers            int
	QualityPassed     bool
	Partial           bool
}

// Alert reports a sustained metric breach.
type Alert struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Current     float64   `json:"current"`
	Threshold   float64   `json:"threshold"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Summary is the aggregate view over a rolling window.
type Summary struct {
	Operations      int64         `json:"operations"`
	AvgLatency      time.Duration `json:"avg_latency"`
	P50Latency      time.Duration `json:"p50_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
	HitRate         float64       `json:"hit_rate"`
	TokenEfficiency float64       `json:"token_efficiency"`
	SpeedupRatio    float64       `json:"speedup_ratio"`
	QualityFailRate float64       `json:"quality_fail_rate"`
	PartialRate     float64       `json:"partial_rate"`
}

type window struct {
	start           time.Time
	latencies       []time.Duration
	totalLatency    time.Duration
	hits, misses    int64
	tokensUsed      int64
	fullTokens      int64
	qualityFailures int64
	partials        int64
	operations      int64
}

func (w *window) hitRate() float64 {
	if total := w.hits + w.misses; total > 0 {
		return float64(w.hits) / float64(total)
	}
	return 1.0
}

func (w *window) avgLatency() time.Duration {
	if w.operations == 0 {
		return 0
	}
	return w.totalLatency / time.Duration(w.operations)
}

func (w *window) tokenEfficiency() float64 {
	if w.fullTokens == 0 {
		return 1.0
	}
	// Fraction of the theoretical full-context size that was avoided.
	return 1.0 - float64(w.tokensUsed)/float64(w.fullTokens)
}

// Monitor aggregates operation samples. Safe for concurrent use.
type Monitor struct {
	mu  sync.Mutex
	cfg *Config
	now func() time.Time

	metrics *Metrics

	current *window
	history []*window

	baselineTotal time.Duration
	baselineCount int64

	// active holds the alert for each breach episode still in progress,
	// keyed by alert type, so polling does not mint duplicates.
	active map[string]Alert

	publisher AlertPublisher
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the monitor's time source for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithAlertPublisher attaches an external alert sink (e.g. NATS). Alerts
// are always logged; a publisher is additive.
func WithAlertPublisher(p AlertPublisher) MonitorOption {
	return func(m *Monitor) { m.publisher = p }
}

// New creates a Monitor.
func New(cfg *Config, opts ...MonitorOption) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Monitor{
		cfg:     cfg,
		now:     time.Now,
		metrics: NewMetrics(),
		active:  make(map[string]Alert),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current = &window{start: m.now()}
	return m
}

// RecordOperation folds a completed assembly into the current window and
// updates the Prometheus counters.
func (m *Monitor) RecordOperation(op Operation) {
	m.mu.Lock()
	m.rollLocked()

	w := m.current
	w.operations++
	w.latencies = append(w.latencies, op.Latency)
	w.totalLatency += op.Latency
	w.hits += op.CacheHits
	w.misses += op.CacheMisses
	w.tokensUsed += int64(op.TokensUsed)
	w.fullTokens += int64(op.FullContextTokens)
	if !op.QualityPassed {
		w.qualityFailures++
	}
	if op.Partial {
		w.partials++
	}
	m.mu.Unlock()

	result := "accepted"
	if !op.QualityPassed {
		result = "rejected"
	}
	m.metrics.AssembliesTotal.WithLabelValues(result).Inc()
	m.metrics.AssemblyDuration.WithLabelValues(strconv.Itoa(op.Layers)).Observe(op.Latency.Seconds())
	m.metrics.TokensUsed.Add(float64(op.TokensUsed))
}

// RecordBaseline records a non-cached assembly latency, the denominator of
// the speedup ratio.
func (m *Monitor) RecordBaseline(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselineTotal += latency
	m.baselineCount++
}

// RecordCacheAccess updates the per-tier Prometheus counters.
func (m *Monitor) RecordCacheAccess(tier string, hit bool) {
	if hit {
		m.metrics.CacheHits.WithLabelValues(tier).Inc()
	} else {
		m.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// RecordQualityViolation counts a violated dimension.
func (m *Monitor) RecordQualityViolation(dimension string) {
	m.metrics.QualityFailures.WithLabelValues(dimension).Inc()
}

// RecordPreload counts a predictive preload attempt.
func (m *Monitor) RecordPreload(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.metrics.PreloadsTotal.WithLabelValues(result).Inc()
}

// RecordPredictionConfidence observes a prediction's confidence score.
func (m *Monitor) RecordPredictionConfidence(confidence float64) {
	m.metrics.PredictionScore.Observe(confidence)
}

// Summary aggregates all samples recorded within the given rolling window.
func (m *Monitor) Summary(span time.Duration) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()

	cutoff := m.now().Add(-span)
	merged := &window{}
	for _, w := range append(append([]*window{}, m.history...), m.current) {
		if w.start.Add(m.cfg.WindowDuration).Before(cutoff) {
			continue
		}
		merged.operations += w.operations
		merged.latencies = append(merged.latencies, w.latencies...)
		merged.totalLatency += w.totalLatency
		merged.hits += w.hits
		merged.misses += w.misses
		merged.tokensUsed += w.tokensUsed
		merged.fullTokens += w.fullTokens
		merged.qualityFailures += w.qualityFailures
		merged.partials += w.partials
	}

	s := Summary{
		Operations:      merged.operations,
		AvgLatency:      merged.avgLatency(),
		HitRate:         merged.hitRate(),
		TokenEfficiency: merged.tokenEfficiency(),
	}
	if merged.operations > 0 {
		s.QualityFailRate = float64(merged.qualityFailures) / float64(merged.operations)
		s.PartialRate = float64(merged.partials) / float64(merged.operations)
	}
	if len(merged.latencies) > 0 {
		sorted := append([]time.Duration{}, merged.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P50Latency = percentile(sorted, 0.50)
		s.P95Latency = percentile(sorted, 0.95)
	}
	if m.baselineCount > 0 && s.AvgLatency > 0 {
		baseline := m.baselineTotal / time.Duration(m.baselineCount)
		s.SpeedupRatio = float64(baseline) / float64(s.AvgLatency)
	}
	return s
}

// Alerts evaluates the configured thresholds against the most recent
// completed windows. An alert fires only when every one of the last
// BreachWindows windows is in breach, and is published once per breach
// episode: subsequent polls during the same episode return the same
// alert without re-notifying.
func (m *Monitor) Alerts() []Alert {
	alerts, fired := m.evaluateAlerts()
	for _, a := range fired {
		m.notify(a)
	}
	return alerts
}

// evaluateAlerts does the threshold checks under the lock and returns all
// active alerts plus the subset that just entered breach.
func (m *Monitor) evaluateAlerts() (alerts, fired []Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()

	need := m.cfg.BreachWindows
	if need < 1 {
		need = 1
	}

	breaching := make(map[string]bool)
	if len(m.history) >= need {
		recent := m.history[len(m.history)-need:]
		now := m.now()

		record := func(alertType string, current, threshold float64, msg string) {
			breaching[alertType] = true
			a, ongoing := m.active[alertType]
			if !ongoing {
				a = Alert{
					ID:          uuid.NewString(),
					Type:        alertType,
					Severity:    "warning",
					TriggeredAt: now,
				}
			}
			a.Current = current
			a.Threshold = threshold
			a.Message = msg
			m.active[alertType] = a
			alerts = append(alerts, a)
			if !ongoing {
				fired = append(fired, a)
			}
		}

		if th := m.cfg.Thresholds.MinHitRate; th > 0 {
			if breached, current := allBreach(recent, func(w *window) (bool, float64) {
				r := w.hitRate()
				return r < th, r
			}); breached {
				record("hit_rate_below_target", current, th,
					fmt.Sprintf("cache hit rate %.2f below target %.2f for %d windows", current, th, need))
			}
		}

		if th := m.cfg.Thresholds.MaxAvgLatency; th > 0 {
			if breached, current := allBreach(recent, func(w *window) (bool, float64) {
				avg := w.avgLatency()
				return w.operations > 0 && avg > th, avg.Seconds()
			}); breached {
				record("latency_above_target", current, th.Seconds(),
					fmt.Sprintf("avg assembly latency %.3fs above target %s for %d windows", current, th, need))
			}
		}

		if th := m.cfg.Thresholds.MinTokenEfficiency; th > 0 {
			if breached, current := allBreach(recent, func(w *window) (bool, float64) {
				e := w.tokenEfficiency()
				return w.operations > 0 && e < th, e
			}); breached {
				record("token_efficiency_below_target", current, th,
					fmt.Sprintf("token efficiency %.2f below target %.2f for %d windows", current, th, need))
			}
		}
	}

	// A recovered threshold ends its episode; the next breach fires anew.
	for t := range m.active {
		if !breaching[t] {
			delete(m.active, t)
		}
	}
	return alerts, fired
}

// rollLocked finalizes the current window if its duration has elapsed.
// Caller holds m.mu.
func (m *Monitor) rollLocked() {
	now := m.now()
	for now.Sub(m.current.start) >= m.cfg.WindowDuration {
		next := m.current.start.Add(m.cfg.WindowDuration)
		m.history = append(m.history, m.current)
		if max := m.cfg.MaxWindows; max > 0 && len(m.history) > max {
			m.history = m.history[len(m.history)-max:]
		}
		m.current = &window{start: next}
	}
}

func allBreach(windows []*window, check func(*window) (bool, float64)) (bool, float64) {
	var last float64
	for _, w := range windows {
		breached, value := check(w)
		if !breached {
			return false, 0
		}
		last = value
	}
	return true, last
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
