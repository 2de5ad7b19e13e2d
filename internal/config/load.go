package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

// fileConfig mirrors the yaml layout. Pointer fields distinguish "absent"
// from zero so a config file only overrides what it sets.
type fileConfig struct {
	BatchSize          *int             `yaml:"batch_size"`
	TaskFeatureLengths map[string]int   `yaml:"task_feature_lengths"`
	OutputDir          *string          `yaml:"output_dir"`
	InputShapes        map[string][]int `yaml:"input_shapes"`
	CheckpointPath     *string          `yaml:"checkpoint_path"`
	RestoreMode        *string          `yaml:"restore_mode"`
	DType              *string          `yaml:"dtype"`
	Seed               *int64           `yaml:"seed"`
	Partitions         *int             `yaml:"partitions"`

	Learning *struct {
		Rate     *float64 `yaml:"rate"`
		Momentum *float64 `yaml:"momentum"`
	} `yaml:"learning"`

	Decode *struct {
		MaxLen      *int     `yaml:"max_len"`
		Temperature *float64 `yaml:"temperature"`
		TopK        *int     `yaml:"top_k"`
		TopP        *float64 `yaml:"top_p"`
		RepPenalty  *float64 `yaml:"rep_penalty"`
		Seed        *int64   `yaml:"seed"`
	} `yaml:"decode"`

	Pad *struct {
		Value *int32  `yaml:"value"`
		Side  *string `yaml:"side"`
	} `yaml:"pad"`
}

// Load reads a yaml config file over Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.BatchSize != nil {
		cfg.BatchSize = *fc.BatchSize
	}
	if fc.TaskFeatureLengths != nil {
		cfg.TaskFeatureLengths = fc.TaskFeatureLengths
	}
	if fc.OutputDir != nil {
		cfg.OutputDir = *fc.OutputDir
	}
	if fc.InputShapes != nil {
		shapes := make(map[string]tensor.Shape, len(fc.InputShapes))
		for feature, dims := range fc.InputShapes {
			if len(dims) != 2 {
				return errf("input_shapes", "%s: want [rows, cols], got %v", feature, dims)
			}
			shapes[feature] = tensor.Shape{Rows: dims[0], Cols: dims[1]}
		}
		cfg.InputShapes = shapes
	}
	if fc.CheckpointPath != nil {
		cfg.CheckpointPath = *fc.CheckpointPath
	}
	if fc.RestoreMode != nil {
		mode, err := ParseRestoreMode(*fc.RestoreMode)
		if err != nil {
			return err
		}
		cfg.RestoreMode = mode
	}
	if fc.DType != nil {
		dt, err := ParseDType(*fc.DType)
		if err != nil {
			return err
		}
		cfg.DType = dt
	}
	if fc.Seed != nil {
		cfg.Seed = *fc.Seed
	}
	if fc.Partitions != nil {
		cfg.Partitions = *fc.Partitions
	}
	if fc.Learning != nil {
		if fc.Learning.Rate != nil {
			cfg.Learning.Rate = *fc.Learning.Rate
		}
		if fc.Learning.Momentum != nil {
			cfg.Learning.Momentum = *fc.Learning.Momentum
		}
	}
	if fc.Decode != nil {
		if fc.Decode.MaxLen != nil {
			cfg.Decode.MaxLen = *fc.Decode.MaxLen
		}
		if fc.Decode.Temperature != nil {
			cfg.Decode.Temperature = *fc.Decode.Temperature
		}
		if fc.Decode.TopK != nil {
			cfg.Decode.TopK = *fc.Decode.TopK
		}
		if fc.Decode.TopP != nil {
			cfg.Decode.TopP = *fc.Decode.TopP
		}
		if fc.Decode.RepPenalty != nil {
			cfg.Decode.RepPenalty = *fc.Decode.RepPenalty
		}
		if fc.Decode.Seed != nil {
			cfg.Decode.Seed = *fc.Decode.Seed
		}
	}
	if fc.Pad != nil {
		if fc.Pad.Value != nil {
			cfg.Pad.Value = *fc.Pad.Value
		}
		if fc.Pad.Side != nil {
			side, err := ParsePadSide(*fc.Pad.Side)
			if err != nil {
				return err
			}
			cfg.Pad.Side = side
		}
	}
	return nil
}
