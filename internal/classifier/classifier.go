// Package classifier maps a task description to a normalized complexity
// score and a domain tag using keyword heuristics. No model call is made;
// classification is a pure function of its inputs so results are
// reproducible in tests.
package classifier

import (
	"math"
	"sort"
	"strings"
)

// Assessment is the classifier's verdict for one request.
type Assessment struct {
	Score      int     `json:"score"`      // 1-10
	Domain     string  `json:"domain"`     // matched domain tag, "generic" on no match
	Confidence float64 `json:"confidence"` // 0-1
}

// GenericDomain is the fallback domain tag.
const GenericDomain = "generic"

// Neutral assessment constants for fully ambiguous input.
const (
	neutralScore      = 5
	neutralConfidence = 0.3
)

var multiStepKeywords = []string{
	"then", "after that", "step", "steps", "first", "finally",
	"workflow", "pipeline", "migrate", "integrate", "refactor",
	"end-to-end", "multi-stage", "orchestrate", "combine",
}

var qualityKeywords = []string{
	"must", "ensure", "validate", "verify", "production",
	"reliable", "coverage", "secure", "quality", "compliant",
	"performance", "correctness",
}

// Config supplies the domain keyword sets. Domains are free tags; the
// engine itself is domain-agnostic.
type Config struct {
	Domains map[string][]string `yaml:"domains" json:"domains"`
}

// DefaultConfig returns an empty domain table; everything classifies as
// generic until domains are configured.
func DefaultConfig() *Config {
	return &Config{Domains: map[string][]string{}}
}

// Classifier scores task descriptions. Safe for concurrent use; it holds
// no mutable state.
type Classifier struct {
	domains     map[string][]string
	domainOrder []string
}

// New creates a Classifier from config. Keywords are matched
// case-insensitively.
func New(cfg *Config) *Classifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Classifier{domains: make(map[string][]string, len(cfg.Domains))}
	for name, keywords := range cfg.Domains {
		lowered := make([]string, len(keywords))
		for i, kw := range keywords {
			lowered[i] = strings.ToLower(kw)
		}
		c.domains[strings.ToLower(name)] = lowered
		c.domainOrder = append(c.domainOrder, strings.ToLower(name))
	}
	// Deterministic tie-breaking on domain match.
	sort.Strings(c.domainOrder)
	return c
}

// Classify produces a complexity assessment for the description. An
// explicit score is used verbatim (clamped to [1,10]) with full confidence.
// Classify never fails: fully ambiguous input yields the neutral default
// rather than an error.
func (c *Classifier) Classify(description string, explicitScore *int, domainHint *string) Assessment {
	domain := c.resolveDomain(description, domainHint)

	if explicitScore != nil {
		return Assessment{
			Score:      clampScore(*explicitScore),
			Domain:     domain,
			Confidence: 1.0,
		}
	}

	lower := strings.ToLower(strings.TrimSpace(description))
	if lower == "" {
		return Assessment{Score: neutralScore, Domain: domain, Confidence: neutralConfidence}
	}

	signals := []int{
		lengthSignal(lower),
		multiStepSignal(lower),
		c.domainSpreadSignal(lower),
		qualitySignal(lower),
	}

	sum := 0
	for _, s := range signals {
		sum += s
	}
	score := clampScore(int(math.Round(float64(sum) / float64(len(signals)))))

	// Confidence is the fraction of signals that agree with the final
	// score (within two points).
	agree := 0
	for _, s := range signals {
		if abs(s-score) <= 2 {
			agree++
		}
	}
	confidence := float64(agree) / float64(len(signals))

	return Assessment{Score: score, Domain: domain, Confidence: confidence}
}

func (c *Classifier) resolveDomain(description string, domainHint *string) string {
	if domainHint != nil && *domainHint != "" {
		return strings.ToLower(*domainHint)
	}

	lower := strings.ToLower(description)
	best := GenericDomain
	bestHits := 0
	for _, name := range c.domainOrder {
		hits := 0
		for _, kw := range c.domains[name] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = name
			bestHits = hits
		}
	}
	return best
}

// lengthSignal votes on complexity by description length.
func lengthSignal(lower string) int {
	words := len(strings.Fields(lower))
	switch {
	case words < 15:
		return 3
	case words < 50:
		return 5
	case words < 120:
		return 7
	default:
		return 9
	}
}

// multiStepSignal votes high when the task mentions sequencing or
// multi-stage work.
func multiStepSignal(lower string) int {
	hits := countKeywords(lower, multiStepKeywords)
	switch {
	case hits == 0:
		return 3
	case hits == 1:
		return 6
	default:
		return 9
	}
}

// domainSpreadSignal votes high when the description touches several
// configured domains at once.
func (c *Classifier) domainSpreadSignal(lower string) int {
	matched := 0
	for _, name := range c.domainOrder {
		for _, kw := range c.domains[name] {
			if strings.Contains(lower, kw) {
				matched++
				break
			}
		}
	}
	switch {
	case matched <= 1:
		return 4
	case matched == 2:
		return 7
	default:
		return 9
	}
}

// qualitySignal votes high when explicit quality requirements appear.
func qualitySignal(lower string) int {
	hits := countKeywords(lower, qualityKeywords)
	switch {
	case hits == 0:
		return 3
	case hits == 1:
		return 6
	default:
		return 8
	}
}

func countKeywords(lower string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func clampScore(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
