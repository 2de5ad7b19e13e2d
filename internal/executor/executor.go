// Package executor compiles and runs partitioned step programs against the
// model. Programs are cached per (kind, shape signature): batches matching
// an already seen signature reuse the compiled program, new signatures pay
// one compilation.
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/metrics"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/partition"
	"github.com/23skdu/longbow-bowyer/internal/state"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

const (
	kindTrain  = "train"
	kindDecode = "decode"
	kindScore  = "score"
)

// ExecutionError wraps a failure inside a running step program. Compile
// and configuration failures surface as their own types before any
// program runs.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Executor owns the compiled-program cache and the optimizer. It holds no
// train state: callers pass a state in and receive results or a successor
// state out, which keeps every operation a pure single call.
type Executor struct {
	model  model.Model
	part   *partition.Partitioner
	opt    model.SGD
	decode config.DecodeConfig

	mu       sync.Mutex
	programs map[string]*partition.Compiled

	log *logger.Logger
}

func New(m model.Model, part *partition.Partitioner, opt model.SGD, decode config.DecodeConfig) *Executor {
	return &Executor{
		model:    m,
		part:     part,
		opt:      opt,
		decode:   decode,
		programs: make(map[string]*partition.Compiled),
		log:      logger.Component("executor"),
	}
}

// ProgramCount reports how many distinct programs have been compiled.
func (e *Executor) ProgramCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}

// TrainStep runs one gradient step and returns the successor state with
// its mean loss. The input state is never modified.
func (e *Executor) TrainStep(st *state.TrainState, b *batching.Batch) (*state.TrainState, float64, error) {
	start := time.Now()

	prog, err := e.program(kindTrain, b.Shapes(), e.trainShard, e.trainMerge)
	if err != nil {
		return nil, 0, err
	}
	out, err := prog.Run(st, b)
	if err != nil {
		return nil, 0, &ExecutionError{Op: "train_step", Err: err}
	}

	loss := out.LossSum / out.WeightSum
	metrics.RecordTrainStep(loss, b.Examples, time.Since(start))
	metrics.RecordStep(out.NewState.Step())
	metrics.RecordBatchFill(b.Examples, b.Rows())
	e.log.Debug("Train step executed", "step", out.NewState.Step(), "loss", loss, "examples", b.Examples)
	return out.NewState, loss, nil
}

// Predict decodes target sequences for the batch, including per-token
// log-probabilities. Read-only with respect to the state.
func (e *Executor) Predict(st *state.TrainState, b *batching.Batch) (*model.DecodeOut, error) {
	start := time.Now()

	shapes := b.Shapes()
	dc, err := e.resolveDecode(shapes)
	if err != nil {
		return nil, err
	}
	prog, err := e.program(kindDecode, shapes, e.decodeShard(dc), decodeMerge(dc))
	if err != nil {
		return nil, err
	}
	out, err := prog.Run(st, b)
	if err != nil {
		return nil, &ExecutionError{Op: "predict", Err: err}
	}

	metrics.RecordInference("predict", out.Sequences.Rows*out.Sequences.Cols, time.Since(start))
	return &model.DecodeOut{Sequences: out.Sequences, TokenScores: out.TokenScores}, nil
}

// Score computes each row's target log-likelihood under the state's
// parameters. Read-only with respect to the state.
func (e *Executor) Score(st *state.TrainState, b *batching.Batch) ([]float32, error) {
	start := time.Now()

	prog, err := e.program(kindScore, b.Shapes(), e.scoreShard, scoreMerge)
	if err != nil {
		return nil, err
	}
	out, err := prog.Run(st, b)
	if err != nil {
		return nil, &ExecutionError{Op: "score", Err: err}
	}

	metrics.RecordInference("score", 0, time.Since(start))
	return out.Scores, nil
}

func (e *Executor) program(kind string, shapes map[string]tensor.Shape, step partition.StepFn, merge partition.MergeFn) (*partition.Compiled, error) {
	key := kind + "|" + batching.ShapeKey(shapes)

	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[key]; ok {
		metrics.RecordCompile(true, 0)
		return prog, nil
	}

	start := time.Now()
	prog, err := e.part.Partition(kind, step, merge, shapes)
	if err != nil {
		return nil, err
	}
	e.programs[key] = prog
	metrics.RecordCompile(false, time.Since(start))
	e.log.Info("Compiled step program", "kind", kind, "signature", prog.Signature())
	return prog, nil
}

// resolveDecode fills the decode length from the target feature when the
// config leaves it open.
func (e *Executor) resolveDecode(shapes map[string]tensor.Shape) (config.DecodeConfig, error) {
	dc := e.decode
	if dc.MaxLen == 0 {
		if s, ok := shapes[batching.FeatDecoderTarget]; ok {
			dc.MaxLen = s.Cols
		}
	}
	if dc.MaxLen < 1 {
		return dc, &config.Error{Field: "decode.max_len", Reason: "not set and batch has no target feature to derive it from"}
	}
	return dc, nil
}

func (e *Executor) trainShard(st *state.TrainState, shard *batching.Batch) (*partition.StepOut, error) {
	out, err := e.model.LossAndGrads(st.Params(), shard)
	if err != nil {
		return nil, err
	}
	return &partition.StepOut{Grads: out.Grads, LossSum: out.LossSum, WeightSum: out.WeightSum}, nil
}

// trainMerge sums shard gradients in shard order and applies the
// optimizer once, so the update equals a single-device step over the
// whole batch.
func (e *Executor) trainMerge(st *state.TrainState, outs []*partition.StepOut) (*partition.StepOut, error) {
	merged := &partition.StepOut{Grads: make(map[string]*tensor.FloatMat)}
	for _, out := range outs {
		merged.LossSum += out.LossSum
		merged.WeightSum += out.WeightSum
		for name, g := range out.Grads {
			if acc, ok := merged.Grads[name]; ok {
				acc.AddScaled(g, 1)
			} else {
				merged.Grads[name] = g.Clone()
			}
		}
	}

	params, slots, err := e.opt.Apply(st.Params(), st.Slots(), merged.Grads, merged.WeightSum)
	if err != nil {
		return nil, err
	}
	merged.NewState = st.Next(params, slots)
	return merged, nil
}

func (e *Executor) decodeShard(dc config.DecodeConfig) partition.StepFn {
	return func(st *state.TrainState, shard *batching.Batch) (*partition.StepOut, error) {
		out, err := e.model.Decode(st.Params(), shard, dc)
		if err != nil {
			return nil, err
		}
		return &partition.StepOut{Sequences: out.Sequences, TokenScores: out.TokenScores}, nil
	}
}

func decodeMerge(dc config.DecodeConfig) partition.MergeFn {
	return func(st *state.TrainState, outs []*partition.StepOut) (*partition.StepOut, error) {
		rows := 0
		for _, out := range outs {
			rows += out.Sequences.Rows
		}

		seq := tensor.NewIntMat(rows, dc.MaxLen)
		scores := tensor.NewFloatMat(rows, dc.MaxLen)
		at := 0
		for _, out := range outs {
			copy(seq.Data[at*dc.MaxLen:], out.Sequences.Data)
			copy(scores.Data[at*dc.MaxLen:], out.TokenScores.Data)
			at += out.Sequences.Rows
		}
		return &partition.StepOut{Sequences: seq, TokenScores: scores}, nil
	}
}

func (e *Executor) scoreShard(st *state.TrainState, shard *batching.Batch) (*partition.StepOut, error) {
	scores, err := e.model.Score(st.Params(), shard)
	if err != nil {
		return nil, err
	}
	return &partition.StepOut{Scores: scores}, nil
}

func scoreMerge(st *state.TrainState, outs []*partition.StepOut) (*partition.StepOut, error) {
	merged := &partition.StepOut{}
	for _, out := range outs {
		merged.Scores = append(merged.Scores, out.Scores...)
	}
	return merged, nil
}
