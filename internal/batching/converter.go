package batching

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/preprocess"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// Model feature names produced by the encoder/decoder conversion rule.
const (
	FeatEncoderInput  = "encoder_input_tokens"
	FeatDecoderInput  = "decoder_input_tokens"
	FeatDecoderTarget = "decoder_target_tokens"
	FeatLossWeights   = "decoder_loss_weights"
)

// Converter is the model's fixed rule mapping task features to model
// features. The assembler drives it; models expose one via Converter().
type Converter interface {
	// ModelFeatures lists every produced feature name.
	ModelFeatures() []string
	// ModelLengths derives model-feature length caps from task-feature
	// length caps. A feature absent from the result has no derivable cap.
	ModelLengths(taskLengths map[string]int) map[string]int
	// Convert maps one processed example to variable-length model features.
	Convert(ex preprocess.Processed) (map[string][]int32, error)
	// IsMask reports features that are 0/1 masks; their padding is always
	// zero no matter what pad value assembly is configured with.
	IsMask(feature string) bool
}

// EncDec converts {inputs, targets} into the four standard encoder/decoder
// features. Decoder inputs are the targets shifted right with Start in
// position 0 (the pad id doubles as the decoder start token).
type EncDec struct {
	Start int32
}

func (EncDec) ModelFeatures() []string {
	return []string{FeatEncoderInput, FeatDecoderInput, FeatDecoderTarget, FeatLossWeights}
}

func (EncDec) ModelLengths(taskLengths map[string]int) map[string]int {
	out := make(map[string]int, 4)
	if l, ok := taskLengths[preprocess.FeatureInputs]; ok {
		out[FeatEncoderInput] = l
	}
	if l, ok := taskLengths[preprocess.FeatureTargets]; ok {
		out[FeatDecoderInput] = l
		out[FeatDecoderTarget] = l
		out[FeatLossWeights] = l
	}
	return out
}

func (c EncDec) Convert(ex preprocess.Processed) (map[string][]int32, error) {
	if len(ex.Targets) == 0 {
		return nil, fmt.Errorf("empty %s feature", preprocess.FeatureTargets)
	}

	dec := make([]int32, len(ex.Targets))
	dec[0] = c.Start
	copy(dec[1:], ex.Targets[:len(ex.Targets)-1])

	weights := make([]int32, len(ex.Targets))
	for i := range weights {
		weights[i] = 1
	}

	return map[string][]int32{
		FeatEncoderInput:  ex.Inputs,
		FeatDecoderInput:  dec,
		FeatDecoderTarget: ex.Targets,
		FeatLossWeights:   weights,
	}, nil
}

func (EncDec) IsMask(feature string) bool { return feature == FeatLossWeights }

// FeatureShapes computes the full input-shape map for a converter given the
// batch size and task-feature length caps. Every model feature must get a
// cap from the task lengths; otherwise the caller has to supply input
// shapes explicitly.
func FeatureShapes(conv Converter, batchSize int, taskLengths map[string]int) (map[string]tensor.Shape, error) {
	lengths := conv.ModelLengths(taskLengths)
	out := make(map[string]tensor.Shape, len(conv.ModelFeatures()))
	for _, feature := range conv.ModelFeatures() {
		cols, ok := lengths[feature]
		if !ok || cols <= 0 {
			return nil, fmt.Errorf("no length cap derivable for feature %s: set task_feature_lengths or input_shapes", feature)
		}
		out[feature] = tensor.Shape{Rows: batchSize, Cols: cols}
	}
	return out, nil
}
