package batching

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// Assembler turns processed examples into fixed-shape batches: truncate task
// features to their caps, convert to model features, pad to the declared
// input shapes. Pad value and side are fixed at construction, not per call.
type Assembler struct {
	conv        Converter
	batchSize   int
	taskLengths map[string]int
	inputShapes map[string]tensor.Shape
	pad         config.PadConfig
}

// NewAssembler wires a converter to validated shapes. The session validates
// shape consistency before construction; the assembler only checks what it
// needs to index safely.
func NewAssembler(conv Converter, batchSize int, taskLengths map[string]int, inputShapes map[string]tensor.Shape, pad config.PadConfig) (*Assembler, error) {
	for _, feature := range conv.ModelFeatures() {
		shape, ok := inputShapes[feature]
		if !ok {
			return nil, &ShapeError{Feature: feature, Index: -1, Reason: "no declared input shape"}
		}
		if shape.Rows != batchSize {
			return nil, &ShapeError{Feature: feature, Index: -1, Reason: fmt.Sprintf("declared rows %d != batch size %d", shape.Rows, batchSize)}
		}
	}
	return &Assembler{
		conv:        conv,
		batchSize:   batchSize,
		taskLengths: taskLengths,
		inputShapes: inputShapes,
		pad:         pad,
	}, nil
}

// Assemble builds one batch. Fails with *ShapeError when the example count
// exceeds the batch size, the batch is empty, or a converted feature cannot
// be reconciled with its declared shape.
func (a *Assembler) Assemble(examples []preprocess.Processed) (*Batch, error) {
	if len(examples) == 0 {
		return nil, &ShapeError{Index: -1, Reason: "empty batch"}
	}
	if len(examples) > a.batchSize {
		return nil, &ShapeError{Index: -1, Reason: fmt.Sprintf("%d examples exceed batch size %d", len(examples), a.batchSize)}
	}

	features := make(map[string]*tensor.IntMat, len(a.conv.ModelFeatures()))
	for _, feature := range a.conv.ModelFeatures() {
		shape := a.inputShapes[feature]
		m := tensor.NewIntMat(shape.Rows, shape.Cols)
		if pad := a.padValueFor(feature); pad != 0 {
			for i := range m.Data {
				m.Data[i] = pad
			}
		}
		features[feature] = m
	}

	for i, ex := range examples {
		converted, err := a.conv.Convert(a.truncate(ex))
		if err != nil {
			return nil, &ShapeError{Index: i, Reason: err.Error()}
		}
		for feature, seq := range converted {
			m, ok := features[feature]
			if !ok {
				return nil, &ShapeError{Feature: feature, Index: i, Reason: "converter produced an undeclared feature"}
			}
			if len(seq) > m.Cols {
				return nil, &ShapeError{Feature: feature, Index: i, Reason: fmt.Sprintf("length %d exceeds declared %d after truncation", len(seq), m.Cols)}
			}
			row := m.Row(i)
			if a.pad.Side == config.PadLeft {
				copy(row[m.Cols-len(seq):], seq)
			} else {
				copy(row[:len(seq)], seq)
			}
		}
	}

	return &Batch{Examples: len(examples), Features: features}, nil
}

// truncate caps the task features. A nil map or missing key leaves the
// feature untouched.
func (a *Assembler) truncate(ex preprocess.Processed) preprocess.Processed {
	if limit, ok := a.taskLengths[preprocess.FeatureInputs]; ok && limit > 0 && len(ex.Inputs) > limit {
		ex.Inputs = ex.Inputs[:limit]
	}
	if limit, ok := a.taskLengths[preprocess.FeatureTargets]; ok && limit > 0 && len(ex.Targets) > limit {
		ex.Targets = ex.Targets[:limit]
	}
	return ex
}

// padValueFor: mask features always pad with zero; token features use the
// configured value. Row padding beyond Examples uses the same fill.
func (a *Assembler) padValueFor(feature string) int32 {
	if a.conv.IsMask(feature) {
		return 0
	}
	return a.pad.Value
}
