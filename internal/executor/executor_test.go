package executor

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/partition"
	"github.com/23skdu/longbow-bowyer/internal/state"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

func intMat(rows, cols int, vals ...int32) *tensor.IntMat {
	m := tensor.NewIntMat(rows, cols)
	copy(m.Data, vals)
	return m
}

func fourRowBatch() *batching.Batch {
	return &batching.Batch{
		Examples: 4,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(4, 3, 3, 4, 0, 5, 0, 0, 6, 3, 0, 4, 4, 5),
			batching.FeatDecoderInput:  intMat(4, 2, 0, 4, 0, 5, 0, 6, 0, 3),
			batching.FeatDecoderTarget: intMat(4, 2, 4, 1, 5, 1, 6, 1, 3, 1),
			batching.FeatLossWeights:   intMat(4, 2, 1, 1, 1, 1, 1, 1, 1, 1),
		},
	}
}

func newExecutor(t *testing.T, partitions int, decode config.DecodeConfig) (*Executor, model.Model, *state.TrainState) {
	t.Helper()
	m, err := model.NewMeanPool(8, 4)
	if err != nil {
		t.Fatal(err)
	}
	mesh, err := partition.LocalMesh(partitions)
	if err != nil {
		t.Fatal(err)
	}
	part, err := partition.NewPartitioner(mesh, partitions)
	if err != nil {
		t.Fatal(err)
	}
	e := New(m, part, model.SGD{Rate: 0.1, Momentum: 0.9}, decode)
	st := state.New(0, m.Init(42), nil)
	return e, m, st
}

func TestTrainStepAdvancesState(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{})
	before := st.Clone()

	next, loss, err := e.TrainStep(st, fourRowBatch())
	if err != nil {
		t.Fatal(err)
	}
	if next.Step() != 1 {
		t.Fatalf("next step = %d, want 1", next.Step())
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss <= 0 {
		t.Fatalf("loss = %v, want finite positive", loss)
	}
	if !st.Equal(before) {
		t.Fatal("TrainStep mutated the input state")
	}
	if next.Equal(st) {
		t.Fatal("TrainStep returned an unchanged state")
	}
}

func TestShardedTrainMatchesSingleDevice(t *testing.T) {
	one, _, st1 := newExecutor(t, 1, config.DecodeConfig{})
	two, _, st2 := newExecutor(t, 2, config.DecodeConfig{})

	next1, loss1, err := one.TrainStep(st1, fourRowBatch())
	if err != nil {
		t.Fatal(err)
	}
	next2, loss2, err := two.TrainStep(st2, fourRowBatch())
	if err != nil {
		t.Fatal(err)
	}

	// Shard sums reassociate float addition, so allow rounding slack.
	if math.Abs(loss1-loss2) > 1e-9 {
		t.Fatalf("loss %v (1 shard) vs %v (2 shards)", loss1, loss2)
	}
	for name, p1 := range next1.Params() {
		p2, _ := next2.Param(name)
		for i := range p1.Data {
			d := math.Abs(float64(p1.Data[i]) - float64(p2.Data[i]))
			if d > 1e-5 {
				t.Fatalf("param %s[%d]: %v vs %v", name, i, p1.Data[i], p2.Data[i])
			}
		}
	}
}

func TestProgramCacheReusesSignatures(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{MaxLen: 3})
	batch := fourRowBatch()

	next, _, err := e.TrainStep(st, batch)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.TrainStep(next, batch); err != nil {
		t.Fatal(err)
	}
	if got := e.ProgramCount(); got != 1 {
		t.Fatalf("program count = %d after same-shape steps, want 1", got)
	}

	// New kinds and new signatures each compile once.
	if _, err := e.Predict(st, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Score(st, batch); err != nil {
		t.Fatal(err)
	}
	if got := e.ProgramCount(); got != 3 {
		t.Fatalf("program count = %d, want 3", got)
	}

	wide := fourRowBatch()
	wide.Features[batching.FeatEncoderInput] = intMat(4, 5)
	if _, _, err := e.TrainStep(st, wide); err != nil {
		t.Fatal(err)
	}
	if got := e.ProgramCount(); got != 4 {
		t.Fatalf("program count = %d after new signature, want 4", got)
	}
}

func TestInferenceIsReadOnly(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{MaxLen: 4})
	before := st.Clone()
	batch := fourRowBatch()

	if _, err := e.Predict(st, batch); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Score(st, batch); err != nil {
		t.Fatal(err)
	}
	if !st.Equal(before) {
		t.Fatal("inference mutated the train state")
	}
}

func TestPredictMatchesUnshardedDecode(t *testing.T) {
	dc := config.DecodeConfig{MaxLen: 4, Temperature: 0.7, Seed: 99}
	e, m, st := newExecutor(t, 2, dc)
	batch := fourRowBatch()

	got, err := e.Predict(st, batch)
	if err != nil {
		t.Fatal(err)
	}
	want, err := m.Decode(st.Params(), batch, dc)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Sequences.Equal(want.Sequences) {
		t.Fatal("sharded predict differs from direct decode")
	}
	if !got.TokenScores.Equal(want.TokenScores) {
		t.Fatal("sharded token scores differ from direct decode")
	}
}

func TestScoreMatchesUnshardedScore(t *testing.T) {
	e, m, st := newExecutor(t, 2, config.DecodeConfig{})
	batch := fourRowBatch()

	got, err := e.Score(st, batch)
	if err != nil {
		t.Fatal(err)
	}
	want, err := m.Score(st.Params(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("%d scores, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("score[%d] = %v, want %v (rows are shard-independent)", i, got[i], want[i])
		}
	}
}

func TestPredictDerivesLengthFromTargets(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{MaxLen: 0})

	out, err := e.Predict(st, fourRowBatch())
	if err != nil {
		t.Fatal(err)
	}
	if out.Sequences.Cols != 2 {
		t.Fatalf("decode length = %d, want 2 (target feature length)", out.Sequences.Cols)
	}
}

func TestIndivisibleBatchIsConfigError(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{})

	odd := &batching.Batch{
		Examples: 3,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(3, 2),
			batching.FeatDecoderInput:  intMat(3, 2),
			batching.FeatDecoderTarget: intMat(3, 2, 3, 1, 3, 1, 3, 1),
			batching.FeatLossWeights:   intMat(3, 2, 1, 1, 1, 1, 1, 1),
		},
	}
	_, _, err := e.TrainStep(st, odd)
	var ce *config.Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *config.Error for 3 rows over 2 partitions", err)
	}
}

func TestExecutionErrorWrapsModelFailure(t *testing.T) {
	e, _, st := newExecutor(t, 2, config.DecodeConfig{})

	bad := fourRowBatch()
	bad.Features[batching.FeatDecoderTarget].Set(0, 0, 99)
	_, _, err := e.TrainStep(st, bad)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if ee.Op != "train_step" {
		t.Errorf("op = %s, want train_step", ee.Op)
	}
}
