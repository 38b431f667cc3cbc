package assembler

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/cache"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/classifier"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/fragment"
	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/quality"
	"github.com/swm-sink/la-factoria-content-factory-sub007/pkg/types"
)

type fixture struct {
	store     *fragment.MemoryStore
	cache     *cache.TieredCache
	assembler *Assembler
}

func newFixture(t *testing.T, cfg *Config) *fixture {
	t.Helper()

	store := fragment.NewMemoryStore()
	for _, frag := range []*fragment.Fragment{
		{Key: "l1-a", Content: []byte("core-a"), TokenCount: 100, Relevance: 0.9},
		{Key: "l1-b", Content: []byte("core-b"), TokenCount: 100, Relevance: 0.8},
		{Key: "l2-a", Content: []byte("more-a"), TokenCount: 200, Relevance: 0.7},
		{Key: "l2-b", Content: []byte("more-b"), TokenCount: 200, Relevance: 0.6},
		{Key: "l3-a", Content: []byte("deep-a"), TokenCount: 400, Relevance: 0.5},
	} {
		store.Add(frag)
	}

	c := cache.New(nil)
	t.Cleanup(c.Close)

	reg := quality.NewRegistry()
	reg.Register("length", quality.EvaluatorFunc(func(content []byte) (float64, error) {
		if len(content) > 0 {
			return 1.0, nil
		}
		return 0.0, nil
	}))
	gate, err := quality.NewGate(reg, []quality.Dimension{
		{Name: "overall", Evaluator: "length", Threshold: 0.5, Mandatory: true},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Layers[0].Keys) == 0 {
		cfg.Layers[0].Keys = map[string][]string{"generic": {"l1-a", "l1-b"}}
		cfg.Layers[1].Keys = map[string][]string{"generic": {"l2-a", "l2-b"}}
		cfg.Layers[2].Keys = map[string][]string{"generic": {"l3-a"}}
	}

	a := New(cfg, classifier.New(nil), c, fragment.NewClient(store, fragment.WithBaseInterval(time.Millisecond)), gate)
	return &fixture{store: store, cache: c, assembler: a}
}

func intPtr(n int) *int { return &n }

func request(complexity int) Request {
	return Request{
		ID:                 "req-1",
		Description:        "task",
		ExplicitComplexity: intPtr(complexity),
		RequesterID:        "dev-1",
	}
}

func activeOrdinals(res *Result) []int {
	var out []int
	for _, lr := range res.Layers {
		out = append(out, lr.Ordinal)
	}
	return out
}

func TestLayerActivationBoundaries(t *testing.T) {
	cases := []struct {
		complexity int
		layers     []int
	}{
		{1, []int{1}},
		{3, []int{1}},
		{4, []int{1, 2}},
		{6, []int{1, 2}},
		{7, []int{1, 2, 3}},
		{10, []int{1, 2, 3}},
	}

	for _, tc := range cases {
		f := newFixture(t, nil)
		res, err := f.assembler.Assemble(context.Background(), request(tc.complexity))
		if err != nil {
			t.Fatalf("complexity %d: Assemble failed: %v", tc.complexity, err)
		}
		if got := activeOrdinals(res); !reflect.DeepEqual(got, tc.layers) {
			t.Errorf("complexity %d: expected layers %v, got %v", tc.complexity, tc.layers, got)
		}
	}
}

func TestBudgetNeverExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layers[0].Budget = 150 // fits only one 100-token fragment
	f := newFixture(t, cfg)

	res, err := f.assembler.Assemble(context.Background(), request(2))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	layer := res.Layers[0]
	if layer.Tokens > layer.Budget {
		t.Fatalf("layer tokens %d exceed budget %d", layer.Tokens, layer.Budget)
	}
	// The higher-relevance fragment wins the slot.
	if len(layer.Keys) != 1 || layer.Keys[0] != "l1-a" {
		t.Errorf("expected [l1-a] selected, got %v", layer.Keys)
	}
}

func TestDeterministicSelection(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.assembler.Assemble(context.Background(), request(8))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	second, err := f.assembler.Assemble(context.Background(), request(8))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for i := range first.Layers {
		if !reflect.DeepEqual(first.Layers[i].Keys, second.Layers[i].Keys) {
			t.Errorf("layer %d selection changed between identical requests: %v vs %v",
				first.Layers[i].Ordinal, first.Layers[i].Keys, second.Layers[i].Keys)
		}
	}
}

func TestMandatoryLayerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailNext("l1-a", 10) // beyond retry budget

	_, err := f.assembler.Assemble(context.Background(), request(5))
	if err == nil {
		t.Fatal("expected error for failed mandatory layer-1 fragment")
	}
	if !types.IsKind(err, types.KindAssemblyFailed) {
		t.Errorf("expected AssemblyFailed, got %v", err)
	}
}

func TestOptionalLayerFailureSetsPartialFlag(t *testing.T) {
	f := newFixture(t, nil)
	f.store.FailNext("l3-a", 10)

	res, err := f.assembler.Assemble(context.Background(), request(8))
	if err != nil {
		t.Fatalf("expected success with partial flag, got %v", err)
	}
	if !res.Partial {
		t.Error("expected partial flag set")
	}
	var layer3 LayerResult
	for _, lr := range res.Layers {
		if lr.Ordinal == 3 {
			layer3 = lr
		}
	}
	if !layer3.Partial {
		t.Error("expected layer 3 flagged partial")
	}
}

func TestSecondRequestHitsFasterTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.assembler.Assemble(ctx, request(2))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if first.Layers[0].Sources["l1-a"] != "store" {
		t.Errorf("expected cold fetch from store, got %s", first.Layers[0].Sources["l1-a"])
	}

	second, err := f.assembler.Assemble(ctx, request(2))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	src := second.Layers[0].Sources["l1-a"]
	if src == "store" || src == "" {
		t.Errorf("expected cache hit on second request, got %q", src)
	}
	if second.CacheHits == 0 {
		t.Error("expected cache hits recorded on second request")
	}
}

func TestQualityGateEscalation(t *testing.T) {
	store := fragment.NewMemoryStore()
	store.Add(&fragment.Fragment{Key: "l1-a", Content: []byte("thin"), TokenCount: 10, Relevance: 0.9})
	store.Add(&fragment.Fragment{Key: "l3-a", Content: []byte("rich detail"), TokenCount: 50, Relevance: 0.8})

	c := cache.New(nil)
	defer c.Close()

	// Passes only once layer-3 content is present.
	reg := quality.NewRegistry()
	reg.Register("depth", quality.EvaluatorFunc(func(content []byte) (float64, error) {
		if len(content) > 10 {
			return 1.0, nil
		}
		return 0.2, nil
	}))
	gate, err := quality.NewGate(reg, []quality.Dimension{
		{Name: "depth", Evaluator: "depth", Threshold: 0.5, Mandatory: true},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Layers[0].Keys = map[string][]string{"generic": {"l1-a"}}
	cfg.Layers[2].Keys = map[string][]string{"generic": {"l3-a"}}

	a := New(cfg, classifier.New(nil), c, fragment.NewClient(store, fragment.WithBaseInterval(time.Millisecond)), gate)

	res, err := a.Assemble(context.Background(), request(2))
	if err != nil {
		t.Fatalf("expected escalation to rescue the request, got %v", err)
	}
	if !res.Escalated {
		t.Error("expected escalated flag set")
	}
	if !res.Quality.Passed {
		t.Error("expected quality pass after escalation")
	}
}

func TestQualityGateFailsAfterEscalation(t *testing.T) {
	f := newFixture(t, nil)

	reg := quality.NewRegistry()
	reg.Register("never", quality.EvaluatorFunc(func([]byte) (float64, error) { return 0.0, nil }))
	gate, err := quality.NewGate(reg, []quality.Dimension{
		{Name: "overall", Evaluator: "never", Threshold: 0.5, Mandatory: true},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	f.assembler.gate = gate

	_, err = f.assembler.Assemble(context.Background(), request(2))
	if err == nil {
		t.Fatal("expected QualityGateFailed")
	}
	if !types.IsKind(err, types.KindQualityGateFailed) {
		t.Errorf("expected QualityGateFailed, got %v", err)
	}
}

func TestTimeoutWithMandatoryWorkOutstanding(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // deadline already exceeded before any fetch completes

	_, err := f.assembler.Assemble(ctx, request(5))
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if !types.IsKind(err, types.KindTimeout) {
		t.Errorf("expected Timeout, got %v", err)
	}
}
