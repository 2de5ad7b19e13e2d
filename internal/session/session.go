// Package session is the orchestration layer: it owns the train state, the
// step executor and the checkpoint store, and exposes the single-call
// operations (train, predict, score, evaluate) outside callers use.
// Construction restores or initializes the state; afterwards every operation
// is one blocking call that either completes or leaves the state exactly as
// it was.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/eval"
	"github.com/23skdu/longbow-bowyer/internal/executor"
	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/metrics"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/partition"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
	"github.com/23skdu/longbow-bowyer/internal/state"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// TrainSummary reports one committed training step.
type TrainSummary struct {
	Step     uint64
	Loss     float64
	Examples int
}

// Prediction is one decoded example. Tokens end at the EOS id when the
// model emitted one within the decode budget.
type Prediction struct {
	Text   string
	Tokens []int32
}

// Aux carries per-token log-probabilities aligned index-for-index with
// each Prediction's Tokens.
type Aux struct {
	Scores [][]float32
}

// InferMode selects what an inference call computes.
type InferMode int

const (
	ModePredict InferMode = iota
	ModePredictWithAux
	ModeScore
)

func (m InferMode) String() string {
	switch m {
	case ModePredict:
		return "predict"
	case ModePredictWithAux:
		return "predict_with_aux"
	case ModeScore:
		return "score"
	default:
		return fmt.Sprintf("infer_mode(%d)", int(m))
	}
}

// InferResult is the union of the inference modes: Predictions for the
// predict modes, Aux only for predict-with-aux, Scores for score.
type InferResult struct {
	Predictions []Prediction
	Aux         *Aux
	Scores      []float32
}

// LoopResult collects a training loop's per-step summaries and the
// prediction/score results of the final interleaved inference pass.
type LoopResult struct {
	Summaries   []TrainSummary
	Predictions []Prediction
	Scores      []float32
}

// Session wires the collaborators together. The manager's snapshot is the
// only mutable state; train steps replace it, inference reads it.
type Session struct {
	cfg   config.Config
	model model.Model
	vocab tokenizer.Vocabulary
	asm   *batching.Assembler
	exec  *executor.Executor
	mgr   *state.Manager
	store checkpoint.Store
	runID string
	log   *logger.Logger

	// trainMu serializes training; steps commit in submission order.
	trainMu sync.Mutex
}

// New validates the config, resolves the batch shapes, and restores or
// initializes the train state. Any failure here aborts construction: no
// operation is callable on a session that never existed.
func New(cfg config.Config, m model.Model, vocab tokenizer.Vocabulary, store checkpoint.Store) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil || vocab == nil || store == nil {
		return nil, &config.Error{Field: "session", Reason: "nil model, vocabulary or checkpoint store"}
	}

	conv := m.Converter()
	shapes, err := resolveShapes(cfg, conv)
	if err != nil {
		return nil, err
	}
	asm, err := batching.NewAssembler(conv, cfg.BatchSize, cfg.TaskFeatureLengths, shapes, cfg.Pad)
	if err != nil {
		return nil, err
	}

	mesh, err := partition.LocalMesh(cfg.Partitions)
	if err != nil {
		return nil, err
	}
	part, err := partition.NewPartitioner(mesh, cfg.Partitions)
	if err != nil {
		return nil, err
	}

	log := logger.Component("session")
	st, runID, err := initialState(cfg, m, store, log)
	if err != nil {
		return nil, err
	}

	opt := model.SGD{Rate: cfg.Learning.Rate, Momentum: cfg.Learning.Momentum}
	s := &Session{
		cfg:   cfg,
		model: m,
		vocab: vocab,
		asm:   asm,
		exec:  executor.New(m, part, opt, cfg.Decode),
		mgr:   state.NewManager(st),
		store: store,
		runID: runID,
		log:   log,
	}
	s.log.Info("Session ready",
		"model", m.Name(), "step", st.Step(), "run_id", runID,
		"partitions", cfg.Partitions, "batch_size", cfg.BatchSize)
	return s, nil
}

// resolveShapes computes the model-feature shapes from the task lengths, or
// checks declared shapes against that computation when both are available.
func resolveShapes(cfg config.Config, conv batching.Converter) (map[string]tensor.Shape, error) {
	derived, derr := batching.FeatureShapes(conv, cfg.BatchSize, cfg.TaskFeatureLengths)
	if len(cfg.InputShapes) == 0 {
		if derr != nil {
			return nil, &config.Error{Field: "input_shapes", Reason: derr.Error()}
		}
		return derived, nil
	}
	if derr == nil {
		for feature, want := range derived {
			got, ok := cfg.InputShapes[feature]
			if !ok {
				return nil, &config.Error{Field: "input_shapes", Reason: fmt.Sprintf("missing declared shape for %s", feature)}
			}
			if got != want {
				return nil, &config.Error{Field: "input_shapes", Reason: fmt.Sprintf(
					"%s: declared %dx%d disagrees with derived %dx%d",
					feature, got.Rows, got.Cols, want.Rows, want.Cols)}
			}
		}
	}
	return cfg.InputShapes, nil
}

// initialState restores per the configured mode or falls back to a fresh
// seeded init. Specific mode never falls back: a bad path kills
// construction.
func initialState(cfg config.Config, m model.Model, store checkpoint.Store, log *logger.Logger) (*state.TrainState, string, error) {
	if cfg.CheckpointPath != "" {
		start := time.Now()
		spec := checkpoint.RestoreSpec{Path: cfg.CheckpointPath, Mode: cfg.RestoreMode}
		snap, err := store.Restore(spec, m.ParamShapes())
		switch {
		case err == nil:
			metrics.RecordRestore(snap.Step, time.Since(start))
			runID := snap.RunID
			if runID == "" {
				runID = uuid.NewString()
			}
			log.Info("Restored checkpoint", "path", cfg.CheckpointPath, "step", snap.Step, "run_id", runID)
			return state.New(snap.Step, snap.Params, snap.Slots), runID, nil
		case cfg.RestoreMode == config.RestoreLatest && errors.Is(err, checkpoint.ErrNoCheckpoint):
			log.Info("No checkpoint to restore, starting fresh", "path", cfg.CheckpointPath)
		default:
			return nil, "", err
		}
	}
	return state.New(0, m.Init(cfg.Seed), nil), uuid.NewString(), nil
}

// Step reports the committed step counter.
func (s *Session) Step() uint64 { return s.mgr.Current().Step() }

// State returns the current snapshot. Callers must treat it as read-only.
func (s *Session) State() *state.TrainState { return s.mgr.Current() }

// RunID identifies this training run across checkpoints and reports.
func (s *Session) RunID() string { return s.runID }

// DefaultPipeline is the fixed two-stage pipeline behind the convenience
// operations: tokenize, then append EOS.
func (s *Session) DefaultPipeline() []preprocess.Transform {
	return preprocess.Default(s.vocab, s.cfg.TaskFeatureLengths)
}

// SaveCheckpoint writes the current snapshot under <output_dir>/checkpoints
// and returns the file path.
func (s *Session) SaveCheckpoint() (string, error) {
	if s.cfg.OutputDir == "" {
		err := &config.Error{Field: "output_dir", Reason: "empty (checkpoint saves need a destination)"}
		s.recordErr("save_checkpoint", err)
		return "", err
	}

	st := s.mgr.Current()
	start := time.Now()
	path, err := s.store.Write(filepath.Join(s.cfg.OutputDir, "checkpoints"), &checkpoint.Snapshot{
		Step:   st.Step(),
		Params: st.Params(),
		Slots:  st.Slots(),
		RunID:  s.runID,
	})
	if err != nil {
		s.recordErr("save_checkpoint", err)
		return "", err
	}
	metrics.RecordSave(st.Step(), time.Since(start))
	s.log.Info("Saved checkpoint", "path", path, "step", st.Step())
	return path, nil
}

// assemble runs the pipeline then builds the fixed-shape batch.
func (s *Session) assemble(examples []preprocess.Example, pipeline []preprocess.Transform) ([]preprocess.Processed, *batching.Batch, error) {
	processed, err := preprocess.Run(pipeline, examples)
	if err != nil {
		return nil, nil, err
	}
	batch, err := s.asm.Assemble(processed)
	if err != nil {
		return nil, nil, err
	}
	return processed, batch, nil
}

func (s *Session) recordErr(op string, err error) {
	kind := errKind(err)
	metrics.RecordOpError(op, kind)
	s.log.Error("Operation failed", "op", op, "kind", kind, "error", err)
}

// errKind classifies an operation failure for the error counter.
func errKind(err error) string {
	var (
		cfgErr   *config.Error
		resErr   *checkpoint.RestoreError
		preErr   *preprocess.Error
		shapeErr *batching.ShapeError
		execErr  *executor.ExecutionError
		metErr   *eval.MetricError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &resErr):
		return "restore"
	case errors.As(err, &preErr):
		return "preprocessing"
	case errors.As(err, &shapeErr):
		return "shape"
	case errors.As(err, &execErr):
		return "execution"
	case errors.As(err, &metErr):
		return "metric"
	default:
		return "other"
	}
}
