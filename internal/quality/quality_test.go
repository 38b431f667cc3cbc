package quality

import (
	"errors"
	"testing"
)

func constEvaluator(score float64) Evaluator {
	return EvaluatorFunc(func([]byte) (float64, error) { return score, nil })
}

func TestMandatoryFailureRejects(t *testing.T) {
	reg := NewRegistry()
	reg.Register("low", constEvaluator(0.2))
	reg.Register("high", constEvaluator(0.95))

	gate, err := NewGate(reg, []Dimension{
		{Name: "overall", Evaluator: "low", Threshold: 0.7, Mandatory: true},
		{Name: "style", Evaluator: "high", Threshold: 0.7, Mandatory: false},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	score := gate.Evaluate([]byte("content"))
	if score.Passed {
		t.Error("expected rejection when a mandatory dimension fails")
	}
	if len(score.Violations) != 1 || score.Violations[0] != "overall" {
		t.Errorf("expected [overall] violated, got %v", score.Violations)
	}
}

func TestAdvisoryFailureDoesNotBlock(t *testing.T) {
	reg := NewRegistry()
	reg.Register("low", constEvaluator(0.2))
	reg.Register("high", constEvaluator(0.95))

	gate, err := NewGate(reg, []Dimension{
		{Name: "overall", Evaluator: "high", Threshold: 0.7, Mandatory: true},
		{Name: "style", Evaluator: "low", Threshold: 0.7, Mandatory: false},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	score := gate.Evaluate([]byte("content"))
	if !score.Passed {
		t.Error("expected acceptance despite advisory failure")
	}
	// Advisory failures are still reported.
	if len(score.Violations) != 1 || score.Violations[0] != "style" {
		t.Errorf("expected [style] violated, got %v", score.Violations)
	}
}

func TestEvaluatorErrorCountsAsViolation(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", EvaluatorFunc(func([]byte) (float64, error) {
		return 0, errors.New("evaluator exploded")
	}))

	gate, err := NewGate(reg, []Dimension{
		{Name: "overall", Evaluator: "broken", Threshold: 0.5, Mandatory: true},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	score := gate.Evaluate([]byte("content"))
	if score.Passed {
		t.Error("expected rejection on evaluator error for mandatory dimension")
	}
}

func TestNewGateRejectsUnknownEvaluator(t *testing.T) {
	reg := NewRegistry()

	_, err := NewGate(reg, []Dimension{
		{Name: "overall", Evaluator: "missing", Threshold: 0.5, Mandatory: true},
	})
	if err == nil {
		t.Fatal("expected error for unregistered evaluator")
	}
}

func TestThresholdBoundaryPasses(t *testing.T) {
	reg := NewRegistry()
	reg.Register("exact", constEvaluator(0.7))

	gate, err := NewGate(reg, []Dimension{
		{Name: "overall", Evaluator: "exact", Threshold: 0.7, Mandatory: true},
	})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	if score := gate.Evaluate(nil); !score.Passed {
		t.Error("expected score equal to threshold to pass")
	}
}
