package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/datasource"
	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
	"github.com/23skdu/longbow-bowyer/internal/session"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// sessionFlags binds the flags shared by every session-backed command. Flag
// values override the config file; unset flags leave it alone.
type sessionFlags struct {
	configPath  string
	vocabPath   string
	dim         int64
	batchSize   int64
	checkpoint  string
	restoreMode string
	outputDir   string
	dtype       string
	seed        int64
	partitions  int64
	logLevel    string
	logFormat   string
}

func (f *sessionFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to session config YAML",
			Destination: &f.configPath,
		},
		&cli.StringFlag{
			Name:        "vocab",
			Aliases:     []string{"v"},
			Usage:       "path to vocabulary file (one token per line)",
			Destination: &f.vocabPath,
			Required:    true,
		},
		&cli.Int64Flag{
			Name:        "dim",
			Usage:       "model embedding dimension",
			Value:       32,
			Destination: &f.dim,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "examples per batch",
			Destination: &f.batchSize,
		},
		&cli.StringFlag{
			Name:        "checkpoint",
			Usage:       "checkpoint file or directory to restore from",
			Destination: &f.checkpoint,
		},
		&cli.StringFlag{
			Name:        "restore-mode",
			Usage:       "latest (directory) or specific (file)",
			Destination: &f.restoreMode,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "directory for checkpoints and evaluation reports",
			Destination: &f.outputDir,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "checkpoint encoding (float32, bfloat16)",
			Destination: &f.dtype,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "parameter init seed",
			Destination: &f.seed,
		},
		&cli.Int64Flag{
			Name:        "partitions",
			Usage:       "batch partitions per step",
			Destination: &f.partitions,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "DEBUG, INFO, WARN or ERROR",
			Value:       "INFO",
			Destination: &f.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "console or json",
			Value:       "console",
			Destination: &f.logFormat,
		},
	}
}

// buildConfig layers flag overrides onto the file config (or the defaults
// when no --config is given). Validation happens in session.New.
func (f *sessionFlags) buildConfig(c *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if c.IsSet("batch-size") {
		cfg.BatchSize = int(f.batchSize)
	}
	if c.IsSet("checkpoint") {
		cfg.CheckpointPath = f.checkpoint
	}
	if c.IsSet("restore-mode") {
		mode, err := config.ParseRestoreMode(f.restoreMode)
		if err != nil {
			return config.Config{}, err
		}
		cfg.RestoreMode = mode
	}
	if c.IsSet("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if c.IsSet("dtype") {
		dtype, err := config.ParseDType(f.dtype)
		if err != nil {
			return config.Config{}, err
		}
		cfg.DType = dtype
	}
	if c.IsSet("seed") {
		cfg.Seed = f.seed
	}
	if c.IsSet("partitions") {
		cfg.Partitions = int(f.partitions)
	}
	return cfg, nil
}

// openSession builds the full stack behind one command: logger, vocabulary,
// model, checkpoint store, session.
func (f *sessionFlags) openSession(c *cli.Command) (*session.Session, config.Config, error) {
	logger.Setup(f.logLevel, f.logFormat)

	cfg, err := f.buildConfig(c)
	if err != nil {
		return nil, config.Config{}, err
	}
	vocab, err := tokenizer.FromFile(f.vocabPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	m, err := model.NewMeanPool(vocab.Size(), int(f.dim))
	if err != nil {
		return nil, config.Config{}, err
	}
	store := checkpoint.NewFileStore(cfg.DType)

	sess, err := session.New(cfg, m, vocab, store)
	if err != nil {
		return nil, config.Config{}, err
	}
	return sess, cfg, nil
}

// dataFlags binds the batch-source flags. Exactly one of --data-dir and
// --flight-addr selects the bridge. The batch count is per-command: train
// counts steps, the inference commands count batches.
type dataFlags struct {
	dataDir      string
	flightAddr   string
	source       string
	split        string
	pretokenized bool
	maxInputLen  int64
	maxTargetLen int64
	shuffleSeed  int64
}

func (f *dataFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "root directory of JSONL datasets",
			Destination: &f.dataDir,
		},
		&cli.StringFlag{
			Name:        "flight-addr",
			Usage:       "Arrow Flight server address (host:port)",
			Destination: &f.flightAddr,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "dataset name",
			Destination: &f.source,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "split",
			Usage:       "dataset split",
			Value:       "train",
			Destination: &f.split,
		},
		&cli.BoolFlag{
			Name:        "pretokenized",
			Usage:       "fetch raw text for the session to tokenize; --pretokenized=false fetches token ids",
			Value:       true,
			Destination: &f.pretokenized,
		},
		&cli.Int64Flag{
			Name:        "max-input-len",
			Usage:       "cap fetched input token sequences (0 = uncapped, token fetches only)",
			Destination: &f.maxInputLen,
		},
		&cli.Int64Flag{
			Name:        "max-target-len",
			Usage:       "cap fetched target token sequences (0 = uncapped, token fetches only)",
			Destination: &f.maxTargetLen,
		},
		&cli.Int64Flag{
			Name:        "shuffle-seed",
			Usage:       "shuffle examples with this seed before batching (0 = keep order)",
			Destination: &f.shuffleSeed,
		},
	}
}

func (f *dataFlags) openBridge() (datasource.Bridge, error) {
	switch {
	case f.flightAddr != "" && f.dataDir != "":
		return nil, fmt.Errorf("--data-dir and --flight-addr are mutually exclusive")
	case f.flightAddr != "":
		return datasource.NewFlightBridge(f.flightAddr)
	case f.dataDir != "":
		return datasource.NewFileBridge(f.dataDir), nil
	default:
		return nil, fmt.Errorf("one of --data-dir or --flight-addr is required")
	}
}

// fetch pulls numBatches batches of batchSize examples from the configured
// source and split.
func (f *dataFlags) fetch(ctx context.Context, bridge datasource.Bridge, batchSize, numBatches int) ([][]preprocess.Example, error) {
	lengths := make(map[string]int)
	if f.maxInputLen > 0 {
		lengths[preprocess.FeatureInputs] = int(f.maxInputLen)
	}
	if f.maxTargetLen > 0 {
		lengths[preprocess.FeatureTargets] = int(f.maxTargetLen)
	}
	if len(lengths) == 0 {
		lengths = nil
	}
	return bridge.GetBatches(ctx, datasource.Request{
		Source:          f.source,
		Split:           f.split,
		BatchSize:       batchSize,
		NumBatches:      numBatches,
		Pretokenized:    f.pretokenized,
		SequenceLengths: lengths,
		Seed:            f.shuffleSeed,
	})
}
