// Package quality implements the threshold gate applied to assembled
// context. Scoring functions are pluggable evaluators registered by name at
// startup; the gate only compares their output to configured thresholds.
package quality

import (
	"fmt"
	"sort"
	"sync"
)

// Evaluator scores content on a single dimension in [0,1].
type Evaluator interface {
	Evaluate(content []byte) (float64, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(content []byte) (float64, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(content []byte) (float64, error) {
	return f(content)
}

// Registry holds named evaluators. Registration happens at startup; lookups
// are concurrent-safe afterward.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry creates an empty evaluator registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// Register adds an evaluator under name, replacing any previous entry.
func (r *Registry) Register(name string, e Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = e
}

// Get returns the evaluator registered under name.
func (r *Registry) Get(name string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[name]
	if !ok {
		return nil, fmt.Errorf("evaluator %q not registered", name)
	}
	return e, nil
}

// Dimension configures one quality dimension: which evaluator scores it,
// the pass threshold, and whether a failure blocks acceptance.
type Dimension struct {
	Name      string  `yaml:"name" json:"name"`
	Evaluator string  `yaml:"evaluator" json:"evaluator"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Mandatory bool    `yaml:"mandatory" json:"mandatory"`
}

// Score is the gate's verdict: per-dimension scores, the violated
// dimensions, and whether all mandatory dimensions passed.
type Score struct {
	Scores     map[string]float64 `json:"scores"`
	Violations []string           `json:"violations,omitempty"`
	Passed     bool               `json:"passed"`
}

// Gate evaluates assembled content against configured dimensions.
type Gate struct {
	registry   *Registry
	dimensions []Dimension
}

// NewGate creates a gate. Dimensions referencing unregistered evaluators
// fail fast here rather than at request time.
func NewGate(registry *Registry, dimensions []Dimension) (*Gate, error) {
	for _, d := range dimensions {
		if _, err := registry.Get(d.Evaluator); err != nil {
			return nil, fmt.Errorf("dimension %q: %w", d.Name, err)
		}
	}
	return &Gate{registry: registry, dimensions: dimensions}, nil
}

// Evaluate runs every configured evaluator over content. Acceptance
// requires all mandatory dimensions at or above threshold; advisory
// failures are reported but do not block. An evaluator error counts as a
// violation of its dimension.
func (g *Gate) Evaluate(content []byte) Score {
	score := Score{
		Scores: make(map[string]float64, len(g.dimensions)),
		Passed: true,
	}

	for _, d := range g.dimensions {
		eval, err := g.registry.Get(d.Evaluator)
		if err != nil {
			score.Violations = append(score.Violations, d.Name)
			if d.Mandatory {
				score.Passed = false
			}
			continue
		}

		value, err := eval.Evaluate(content)
		if err != nil {
			score.Scores[d.Name] = 0
			score.Violations = append(score.Violations, d.Name)
			if d.Mandatory {
				score.Passed = false
			}
			continue
		}

		score.Scores[d.Name] = value
		if value < d.Threshold {
			score.Violations = append(score.Violations, d.Name)
			if d.Mandatory {
				score.Passed = false
			}
		}
	}

	sort.Strings(score.Violations)
	return score
}

// MandatoryViolated reports whether any mandatory dimension is in the
// violation list.
func (g *Gate) MandatoryViolated(s Score) bool {
	return !s.Passed
}
