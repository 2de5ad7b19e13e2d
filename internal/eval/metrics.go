package eval

import (
	"fmt"
	"strings"
)

// Builtin returns the default metric set: exact match and token accuracy,
// both on a 0-100 scale.
func Builtin() []Metric {
	return []Metric{
		{Name: "exact_match", Fn: ExactMatch},
		{Name: "token_accuracy", Fn: TokenAccuracy},
	}
}

// ExactMatch scores the percentage of predictions equal to their target.
func ExactMatch(targets, predictions []string) (map[string]float64, error) {
	if len(targets) != len(predictions) {
		return nil, fmt.Errorf("%d targets vs %d predictions", len(targets), len(predictions))
	}
	matches := 0
	for i, target := range targets {
		if target == predictions[i] {
			matches++
		}
	}
	return map[string]float64{
		"exact_match": 100 * float64(matches) / float64(len(targets)),
	}, nil
}

// TokenAccuracy scores positionwise whitespace-token agreement, averaged
// over examples. Each example's denominator is its target length, so
// over-long predictions gain nothing.
func TokenAccuracy(targets, predictions []string) (map[string]float64, error) {
	if len(targets) != len(predictions) {
		return nil, fmt.Errorf("%d targets vs %d predictions", len(targets), len(predictions))
	}

	total := 0.0
	for i, target := range targets {
		tTok := strings.Fields(target)
		pTok := strings.Fields(predictions[i])
		if len(tTok) == 0 {
			if len(pTok) == 0 {
				total += 1
			}
			continue
		}
		correct := 0
		for j, tok := range tTok {
			if j < len(pTok) && pTok[j] == tok {
				correct++
			}
		}
		total += float64(correct) / float64(len(tTok))
	}
	return map[string]float64{
		"token_accuracy": 100 * total / float64(len(targets)),
	}, nil
}
