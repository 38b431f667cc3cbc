package engine

import (
	"strings"
	"unicode"

	"github.com/swm-sink/la-factoria-content-factory-sub007/internal/quality"
)

// RegisterBuiltinEvaluators installs the evaluators the default config
// references. Deployments can register their own before building a gate.
func RegisterBuiltinEvaluators(r *quality.Registry) {
	r.Register("completeness", quality.EvaluatorFunc(evaluateCompleteness))
	r.Register("token_density", quality.EvaluatorFunc(evaluateTokenDensity))
}

// evaluateCompleteness scores how much of the assembled context carries
// real content. Empty context scores 0; context that is mostly blank lines
// scores low.
func evaluateCompleteness(content []byte) (float64, error) {
	if len(content) == 0 {
		return 0, nil
	}
	lines := strings.Split(string(content), "\n")
	nonEmpty := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			nonEmpty++
		}
	}
	return float64(nonEmpty) / float64(len(lines)), nil
}

// evaluateTokenDensity scores the ratio of word characters to total bytes,
// a cheap proxy for how much of the budget is spent on filler.
func evaluateTokenDensity(content []byte) (float64, error) {
	if len(content) == 0 {
		return 0, nil
	}
	word := 0
	for _, r := range string(content) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word++
		}
	}
	return float64(word) / float64(len(content)), nil
}
