package model

import (
	"math"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/logger"
)

// Sampler draws one token from a logit vector. Every sampler is built
// from an explicit seed; there is no wall-clock fallback, so decoding is
// reproducible end to end.
type Sampler struct {
	cfg config.DecodeConfig
	rng *rand.Rand
}

func NewSampler(cfg config.DecodeConfig, seed int64) *Sampler {
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// RowSeed derives the sampler seed for one absolute batch row. The
// golden-ratio stride keeps per-row streams disjoint, and because the row
// index is absolute the draw sequence is identical however the batch was
// sharded.
func RowSeed(seed int64, row int) int64 {
	return seed ^ int64(uint64(row+1)*0x9E3779B97F4A7C15)
}

// Sample picks the next token. Temperature zero is greedy argmax and
// consumes no randomness.
func (s *Sampler) Sample(logits []float32, history []int32) int {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	if s.cfg.RepPenalty > 1.0 && len(history) > 0 {
		logits = penalizeRepeats(logits, history, s.cfg.RepPenalty)
	}

	if s.cfg.Temperature == 0 {
		return argMax(logits)
	}

	probs := softmaxWithTemperature(logits, s.cfg.Temperature)

	candidates := make([]tokenProb, 0, len(probs))
	for i, p := range probs {
		if p > 1e-10 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			candidates = append(candidates, tokenProb{id: i, prob: p})
		}
	}
	if len(candidates) == 0 {
		return argMax(logits)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	candidates = applyTopK(candidates, s.cfg.TopK)
	candidates = applyTopP(candidates, s.cfg.TopP)
	if len(candidates) == 0 {
		return argMax(logits)
	}

	return s.sampleFromCandidates(candidates)
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}

// penalizeRepeats dampens logits of recently emitted tokens. Returns a
// copy: samplers never mutate model outputs.
func penalizeRepeats(logits []float32, history []int32, penalty float64) []float32 {
	out := make([]float32, len(logits))
	copy(out, logits)

	start := 0
	if len(history) > 64 {
		start = len(history) - 64
	}

	seen := make(map[int32]struct{})
	for _, id := range history[start:] {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if int(id) < len(out) && id >= 0 {
			if out[id] > 0 {
				out[id] /= float32(penalty)
			} else {
				out[id] *= float32(penalty)
			}
		}
	}
	return out
}

func softmaxWithTemperature(logits []float32, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / temperature
	}

	maxVal := probs[0]
	for _, v := range probs {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxVal)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

func (s *Sampler) sampleFromCandidates(candidates []tokenProb) int {
	sum := 0.0
	for _, c := range candidates {
		sum += c.prob
	}

	r := s.rng.Float64() * sum
	acc := 0.0
	for _, c := range candidates {
		acc += c.prob
		if r < acc {
			return c.id
		}
	}
	return candidates[0].id
}

type tokenProb struct {
	id   int
	prob float64
}

func argMax(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}

	maxIdx := 0
	maxVal := logits[0]

	allNaN := true
	for i, v := range logits {
		if !math.IsNaN(float64(v)) {
			allNaN = false
			if v > maxVal || math.IsNaN(float64(maxVal)) {
				maxVal = v
				maxIdx = i
			}
		}
	}

	if allNaN {
		logger.Log.Warn("All logits NaN in argmax, returning token 0")
		return 0
	}
	return maxIdx
}

func applyTopK(candidates []tokenProb, k int) []tokenProb {
	if k <= 0 || k >= len(candidates) {
		return candidates
	}
	return candidates[:k]
}

func applyTopP(candidates []tokenProb, p float64) []tokenProb {
	if p >= 1.0 || p <= 0.0 {
		return candidates
	}

	sum := 0.0
	for i, c := range candidates {
		sum += c.prob
		if sum >= p {
			selected := candidates[:i+1]

			totalProb := 0.0
			for _, c := range selected {
				totalProb += c.prob
			}
			for i := range selected {
				selected[i].prob /= totalProb
			}
			return selected
		}
	}
	return candidates
}
