// Package model defines the trainable sequence-to-sequence model contract
// and a small reference implementation. Models are pure functions over
// parameter maps: nothing here mutates a parameter matrix in place, which
// is what lets train steps run data-parallel over shards.
package model

import (
	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// GradOut carries unnormalized sums so shard outputs can be reduced by
// plain addition: LossSum and Grads are raw sums over weighted tokens,
// WeightSum is the token count that normalizes them.
type GradOut struct {
	Grads     map[string]*tensor.FloatMat
	LossSum   float64
	WeightSum float64
}

// DecodeOut is one decoded batch. Sequences holds token ids, padded with
// the pad id after EOS; TokenScores holds the log-probability of each
// emitted token, zero at padded positions.
type DecodeOut struct {
	Sequences   *tensor.IntMat
	TokenScores *tensor.FloatMat
}

// Model is an encoder-decoder over the fixed feature set produced by the
// batch assembler. Implementations must be deterministic: identical
// params, batch, and decode config produce identical outputs.
type Model interface {
	Name() string
	VocabSize() int

	// Converter is the model's fixed rule mapping task features to the
	// model features every other method consumes.
	Converter() batching.Converter

	// ParamShapes declares the parameter layout; checkpoints are
	// validated against it before any state is built.
	ParamShapes() map[string]tensor.Shape

	// Init builds fresh parameters from a seed.
	Init(seed int64) map[string]*tensor.FloatMat

	// LossAndGrads computes weighted cross-entropy sums and raw
	// gradient sums over the batch.
	LossAndGrads(params map[string]*tensor.FloatMat, b *batching.Batch) (*GradOut, error)

	// Score returns each row's sum of target-token log-likelihoods.
	// Rows holding only padding score zero.
	Score(params map[string]*tensor.FloatMat, b *batching.Batch) ([]float32, error)

	// Decode generates target sequences for the batch. Sampling is
	// seeded per absolute row, so results do not depend on how the
	// batch was sharded.
	Decode(params map[string]*tensor.FloatMat, b *batching.Batch, dc config.DecodeConfig) (*DecodeOut, error)
}
