package monitor

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturingPublisher struct {
	mu     sync.Mutex
	alerts []Alert
}

func (p *capturingPublisher) PublishAlert(a Alert) error {
	p.mu.Lock()
	p.alerts = append(p.alerts, a)
	p.mu.Unlock()
	return nil
}

func slowOp(latency time.Duration, hits, misses int64) Operation {
	return Operation{
		Latency:           latency,
		TokensUsed:        100,
		FullContextTokens: 1000,
		CacheHits:         hits,
		CacheMisses:       misses,
		Layers:            1,
		QualityPassed:     true,
	}
}

func TestSummaryAggregates(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := New(DefaultConfig(), WithMonitorClock(clock.Now))

	m.RecordOperation(slowOp(100*time.Millisecond, 9, 1))
	m.RecordOperation(slowOp(300*time.Millisecond, 8, 2))

	s := m.Summary(time.Minute)
	if s.Operations != 2 {
		t.Fatalf("expected 2 operations, got %d", s.Operations)
	}
	if s.AvgLatency != 200*time.Millisecond {
		t.Errorf("expected 200ms avg, got %s", s.AvgLatency)
	}
	if want := 17.0 / 20.0; s.HitRate != want {
		t.Errorf("expected hit rate %.2f, got %.2f", want, s.HitRate)
	}
	if want := 0.9; s.TokenEfficiency != want {
		t.Errorf("expected token efficiency %.2f, got %.2f", want, s.TokenEfficiency)
	}
}

func TestSpeedupRatioAgainstBaseline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := New(DefaultConfig(), WithMonitorClock(clock.Now))

	m.RecordBaseline(400 * time.Millisecond)
	m.RecordOperation(slowOp(100*time.Millisecond, 1, 0))

	s := m.Summary(time.Minute)
	if s.SpeedupRatio != 4.0 {
		t.Errorf("expected speedup 4.0, got %.2f", s.SpeedupRatio)
	}
}

func TestTransientDipDoesNotAlert(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.BreachWindows = 3
	m := New(cfg, WithMonitorClock(clock.Now))

	// Two good windows, one bad: no sustained breach.
	m.RecordOperation(slowOp(10*time.Millisecond, 10, 0))
	clock.Advance(time.Minute)
	m.RecordOperation(slowOp(10*time.Millisecond, 10, 0))
	clock.Advance(time.Minute)
	m.RecordOperation(slowOp(10*time.Millisecond, 0, 10)) // 0% hit rate
	clock.Advance(time.Minute)

	if alerts := m.Alerts(); len(alerts) != 0 {
		t.Fatalf("expected no alerts for a single bad window, got %v", alerts)
	}
}

func TestSustainedBreachAlerts(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.BreachWindows = 3
	// Only check hit rate.
	cfg.Thresholds.MaxAvgLatency = 0
	cfg.Thresholds.MinTokenEfficiency = 0
	pub := &capturingPublisher{}
	m := New(cfg, WithMonitorClock(clock.Now), WithAlertPublisher(pub))

	for i := 0; i < 3; i++ {
		m.RecordOperation(slowOp(10*time.Millisecond, 0, 10))
		clock.Advance(time.Minute)
	}

	alerts := m.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert after 3 breached windows, got %d", len(alerts))
	}
	if alerts[0].Type != "hit_rate_below_target" {
		t.Errorf("unexpected alert type %s", alerts[0].Type)
	}
	if len(pub.alerts) != 1 {
		t.Errorf("expected alert forwarded to publisher, got %d", len(pub.alerts))
	}
}

func TestBreachEpisodePublishesOnce(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cfg := DefaultConfig()
	cfg.BreachWindows = 3
	cfg.Thresholds.MaxAvgLatency = 0
	cfg.Thresholds.MinTokenEfficiency = 0
	pub := &capturingPublisher{}
	m := New(cfg, WithMonitorClock(clock.Now), WithAlertPublisher(pub))

	breach := func(n int) {
		for i := 0; i < n; i++ {
			m.RecordOperation(slowOp(10*time.Millisecond, 0, 10))
			clock.Advance(time.Minute)
		}
	}
	breach(3)

	first := m.Alerts()
	if len(first) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(first))
	}

	// Still breaching: the same episode, polled again.
	breach(1)
	second := m.Alerts()
	if len(second) != 1 {
		t.Fatalf("expected the ongoing alert, got %d", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Errorf("alert ID changed mid-episode: %s vs %s", first[0].ID, second[0].ID)
	}
	if second[0].TriggeredAt != first[0].TriggeredAt {
		t.Errorf("TriggeredAt changed mid-episode")
	}
	if len(pub.alerts) != 1 {
		t.Fatalf("expected 1 publish for one episode, got %d", len(pub.alerts))
	}

	// Recover for enough windows to clear the episode.
	for i := 0; i < 3; i++ {
		m.RecordOperation(slowOp(10*time.Millisecond, 10, 0))
		clock.Advance(time.Minute)
	}
	if alerts := m.Alerts(); len(alerts) != 0 {
		t.Fatalf("expected no alerts after recovery, got %d", len(alerts))
	}

	// A fresh breach is a new episode with a new alert.
	breach(3)
	third := m.Alerts()
	if len(third) != 1 {
		t.Fatalf("expected 1 alert on re-breach, got %d", len(third))
	}
	if third[0].ID == first[0].ID {
		t.Errorf("re-breach reused the old alert ID")
	}
	if len(pub.alerts) != 2 {
		t.Errorf("expected 2 publishes for two episodes, got %d", len(pub.alerts))
	}
}

func TestPercentiles(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := New(DefaultConfig(), WithMonitorClock(clock.Now))

	for i := 1; i <= 100; i++ {
		m.RecordOperation(slowOp(time.Duration(i)*time.Millisecond, 1, 0))
	}

	s := m.Summary(time.Minute)
	if s.P50Latency < 45*time.Millisecond || s.P50Latency > 55*time.Millisecond {
		t.Errorf("p50 out of range: %s", s.P50Latency)
	}
	if s.P95Latency < 90*time.Millisecond || s.P95Latency > 100*time.Millisecond {
		t.Errorf("p95 out of range: %s", s.P95Latency)
	}
}
