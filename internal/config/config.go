package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// RestoreMode selects how the checkpoint path is interpreted when the
// session constructs its initial train state.
type RestoreMode int

const (
	// RestoreLatest treats the path as a directory and picks the highest
	// step; an empty directory falls back to a fresh seeded init.
	RestoreLatest RestoreMode = iota
	// RestoreSpecific treats the path as one checkpoint file and never
	// falls back.
	RestoreSpecific
)

func (m RestoreMode) String() string {
	switch m {
	case RestoreLatest:
		return "latest"
	case RestoreSpecific:
		return "specific"
	default:
		return fmt.Sprintf("restore_mode(%d)", int(m))
	}
}

func ParseRestoreMode(s string) (RestoreMode, error) {
	switch strings.ToLower(s) {
	case "latest":
		return RestoreLatest, nil
	case "specific":
		return RestoreSpecific, nil
	default:
		return 0, errf("restore_mode", "%q (must be latest or specific)", s)
	}
}

// DType is the checkpoint tensor encoding. In-memory math is float32
// regardless; bfloat16 halves checkpoint size at the cost of mantissa bits.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeBFloat16
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeBFloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32":
		return DTypeFloat32, nil
	case "bfloat16", "bf16":
		return DTypeBFloat16, nil
	default:
		return 0, errf("dtype", "%q (must be float32 or bfloat16)", s)
	}
}

// PadSide selects which end of a short sequence receives padding.
type PadSide int

const (
	PadRight PadSide = iota
	PadLeft
)

func (p PadSide) String() string {
	if p == PadLeft {
		return "left"
	}
	return "right"
}

func ParsePadSide(s string) (PadSide, error) {
	switch strings.ToLower(s) {
	case "right", "":
		return PadRight, nil
	case "left":
		return PadLeft, nil
	default:
		return 0, errf("pad.side", "%q (must be left or right)", s)
	}
}

type LearningConfig struct {
	Rate     float64
	Momentum float64
}

type DecodeConfig struct {
	MaxLen      int // 0 = derive from the target feature length
	Temperature float64
	TopK        int
	TopP        float64
	RepPenalty  float64 // <= 1 disables
	Seed        int64
}

type PadConfig struct {
	Value int32
	Side  PadSide
}

// Config is the session construction surface. Supplied once; never mutated
// after Validate passes.
type Config struct {
	BatchSize int

	// TaskFeatureLengths caps each task feature before feature conversion.
	// nil disables truncation entirely; a missing key disables it for that
	// feature.
	TaskFeatureLengths map[string]int

	OutputDir string

	// InputShapes fixes the model-feature shapes. Empty = computed from
	// BatchSize, TaskFeatureLengths and the model's converter; when
	// supplied it must agree with that computation.
	InputShapes map[string]tensor.Shape

	CheckpointPath string
	RestoreMode    RestoreMode
	DType          DType

	Seed       int64
	Partitions int

	Learning LearningConfig
	Decode   DecodeConfig
	Pad      PadConfig
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errf("batch_size", "%d (must be positive)", c.BatchSize)
	}
	if c.Partitions <= 0 {
		return errf("partitions", "%d (must be positive)", c.Partitions)
	}
	for feature, length := range c.TaskFeatureLengths {
		if feature == "" {
			return errf("task_feature_lengths", "empty feature name")
		}
		if length <= 0 {
			return errf("task_feature_lengths", "%s: %d (must be positive; omit the key to disable truncation)", feature, length)
		}
	}
	for feature, shape := range c.InputShapes {
		if feature == "" {
			return errf("input_shapes", "empty feature name")
		}
		if shape.Rows != c.BatchSize {
			return errf("input_shapes", "%s: rows %d != batch_size %d", feature, shape.Rows, c.BatchSize)
		}
		if shape.Cols <= 0 {
			return errf("input_shapes", "%s: cols %d (must be positive)", feature, shape.Cols)
		}
	}
	if c.RestoreMode != RestoreLatest && c.RestoreMode != RestoreSpecific {
		return errf("restore_mode", "%d (must be latest or specific)", int(c.RestoreMode))
	}
	if c.RestoreMode == RestoreSpecific && c.CheckpointPath == "" {
		return errf("checkpoint_path", "empty (restore_mode specific needs a checkpoint file)")
	}
	if c.DType != DTypeFloat32 && c.DType != DTypeBFloat16 {
		return errf("dtype", "%d (must be float32 or bfloat16)", int(c.DType))
	}
	if c.Learning.Rate <= 0 {
		return errf("learning.rate", "%g (must be positive)", c.Learning.Rate)
	}
	if c.Learning.Momentum < 0 || c.Learning.Momentum >= 1 {
		return errf("learning.momentum", "%g (must be in [0, 1))", c.Learning.Momentum)
	}
	if c.Decode.MaxLen < 0 {
		return errf("decode.max_len", "%d (must be non-negative)", c.Decode.MaxLen)
	}
	if c.Decode.Temperature < 0 {
		return errf("decode.temperature", "%g (must be non-negative)", c.Decode.Temperature)
	}
	if c.Decode.TopK < 0 {
		return errf("decode.top_k", "%d (must be non-negative)", c.Decode.TopK)
	}
	if c.Decode.TopP < 0 || c.Decode.TopP > 1 {
		return errf("decode.top_p", "%g (must be in [0, 1])", c.Decode.TopP)
	}
	if c.Decode.RepPenalty < 0 {
		return errf("decode.rep_penalty", "%g (must be non-negative)", c.Decode.RepPenalty)
	}
	if c.Pad.Side != PadRight && c.Pad.Side != PadLeft {
		return errf("pad.side", "%d (must be left or right)", int(c.Pad.Side))
	}
	return nil
}

func Default() Config {
	return Config{
		BatchSize:   8,
		RestoreMode: RestoreLatest,
		DType:       DTypeFloat32,
		Seed:        42,
		Partitions:  1,
		Learning:    LearningConfig{Rate: 0.1, Momentum: 0.9},
		Decode:      DecodeConfig{Temperature: 0},
		Pad:         PadConfig{Value: 0, Side: PadRight},
	}
}
