// Package datasource fetches example batches for session operations. Two
// bridges exist: a JSONL file reader for local corpora and an Arrow Flight
// client for dataset servers. Both serve two example forms: raw text for
// the session's preprocessing pipeline to tokenize, or ready token ids.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

// ErrInsufficientData reports a dataset slice smaller than the requested
// batches. Batches are never padded or wrapped around here; a training run
// gets exactly the data it asked for or an error.
var ErrInsufficientData = errors.New("datasource: not enough examples")

// Request names one dataset slice. Seed 0 keeps dataset order; any other
// value shuffles reproducibly before slicing.
//
// Pretokenized selects which form of the dataset comes back: true fetches
// the raw text features (the "_pretokenized" columns on Flight servers) for
// the session pipeline to tokenize, false fetches the already tokenized id
// features. SequenceLengths caps token features at the source, keyed by
// feature name; it applies only to tokenized fetches, since raw text is
// trimmed by the pipeline after tokenization.
type Request struct {
	Source          string
	Split           string
	BatchSize       int
	NumBatches      int
	Pretokenized    bool
	SequenceLengths map[string]int
	Seed            int64
}

func (r Request) validate() error {
	if r.Source == "" {
		return errors.New("datasource: empty source")
	}
	if r.Split == "" {
		return errors.New("datasource: empty split")
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("datasource: batch size %d (must be positive)", r.BatchSize)
	}
	if r.NumBatches <= 0 {
		return fmt.Errorf("datasource: num batches %d (must be positive)", r.NumBatches)
	}
	for feature, length := range r.SequenceLengths {
		if length <= 0 {
			return fmt.Errorf("datasource: sequence length %d for %q (must be positive)", length, feature)
		}
	}
	return nil
}

// Bridge is the data collaborator the command layer hands to a training or
// evaluation run.
type Bridge interface {
	GetBatches(ctx context.Context, req Request) ([][]preprocess.Example, error)
	Close() error
}

// assembleBatches shuffles (when seeded) and slices examples into exactly
// NumBatches batches of BatchSize. The input slice is never reordered in
// place.
func assembleBatches(examples []preprocess.Example, req Request) ([][]preprocess.Example, error) {
	need := req.BatchSize * req.NumBatches
	if len(examples) < need {
		return nil, fmt.Errorf("%w: need %d (%d batches of %d), have %d",
			ErrInsufficientData, need, req.NumBatches, req.BatchSize, len(examples))
	}

	if req.Seed != 0 {
		shuffled := make([]preprocess.Example, len(examples))
		copy(shuffled, examples)
		rng := rand.New(rand.NewSource(req.Seed))
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		examples = shuffled
	}

	batches := make([][]preprocess.Example, req.NumBatches)
	for i := range batches {
		batches[i] = examples[i*req.BatchSize : (i+1)*req.BatchSize]
	}
	return batches, nil
}

// truncateTokens caps a token feature at max ids. A max of 0, as read from
// a missing SequenceLengths entry, leaves the feature whole.
func truncateTokens(tokens []int32, max int) []int32 {
	if max > 0 && len(tokens) > max {
		return tokens[:max]
	}
	return tokens
}
