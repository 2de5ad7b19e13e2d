package model

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
)

func intMat(rows, cols int, vals ...int32) *tensor.IntMat {
	m := tensor.NewIntMat(rows, cols)
	copy(m.Data, vals)
	return m
}

// pairBatch is two QA-style rows over word ids 3..6: inputs right-padded,
// decoder inputs shifted right from targets, every target token weighted.
func pairBatch() *batching.Batch {
	return &batching.Batch{
		Examples: 2,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(2, 3, 3, 4, 0, 5, 6, 0),
			batching.FeatDecoderInput:  intMat(2, 2, 0, 4, 0, 5),
			batching.FeatDecoderTarget: intMat(2, 2, 4, 1, 5, 1),
			batching.FeatLossWeights:   intMat(2, 2, 1, 1, 1, 1),
		},
	}
}

func zeroParams(m *MeanPool) map[string]*tensor.FloatMat {
	params := make(map[string]*tensor.FloatMat)
	for name, shape := range m.ParamShapes() {
		params[name] = tensor.NewFloatMat(shape.Rows, shape.Cols)
	}
	return params
}

func TestInitDeterministic(t *testing.T) {
	m, err := NewMeanPool(8, 4)
	if err != nil {
		t.Fatal(err)
	}

	a, b := m.Init(42), m.Init(42)
	for name := range m.ParamShapes() {
		if !a[name].Equal(b[name]) {
			t.Errorf("param %s differs across same-seed inits", name)
		}
	}
	c := m.Init(43)
	if a[paramDecOut].Equal(c[paramDecOut]) {
		t.Error("different seeds produced identical params")
	}
}

func TestLossFinite(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	out, err := m.LossAndGrads(m.Init(42), pairBatch())
	if err != nil {
		t.Fatal(err)
	}
	if out.WeightSum != 4 {
		t.Fatalf("WeightSum = %v, want 4", out.WeightSum)
	}
	loss := out.LossSum / out.WeightSum
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss <= 0 {
		t.Fatalf("mean loss = %v, want finite positive", loss)
	}
}

func TestGradientsMatchFiniteDifference(t *testing.T) {
	m, _ := NewMeanPool(6, 3)
	params := m.Init(7)
	batch := pairBatch()
	// Shrink tokens into the smaller vocab.
	batch.Features[batching.FeatEncoderInput] = intMat(2, 3, 3, 4, 0, 5, 3, 0)

	out, err := m.LossAndGrads(params, batch)
	if err != nil {
		t.Fatal(err)
	}

	lossAt := func(p map[string]*tensor.FloatMat) float64 {
		o, err := m.LossAndGrads(p, batch)
		if err != nil {
			t.Fatal(err)
		}
		return o.LossSum
	}

	const eps = 1e-3
	for name, g := range out.Grads {
		for idx := range g.Data {
			plus := tensor.CloneParams(params)
			plus[name].Data[idx] += eps
			minus := tensor.CloneParams(params)
			minus[name].Data[idx] -= eps

			// Measure the perturbation that actually landed in float32.
			delta := float64(plus[name].Data[idx]) - float64(minus[name].Data[idx])
			numeric := (lossAt(plus) - lossAt(minus)) / delta
			analytic := float64(g.Data[idx])

			if diff := math.Abs(numeric - analytic); diff > 1e-3+0.02*math.Abs(analytic) {
				t.Errorf("%s[%d]: analytic %v vs numeric %v", name, idx, analytic, numeric)
			}
		}
	}
}

func TestLossDecreasesUnderTraining(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	params := m.Init(42)
	var slots map[string]*tensor.FloatMat
	batch := pairBatch()
	opt := SGD{Rate: 0.5, Momentum: 0}

	first := -1.0
	last := -1.0
	for i := 0; i < 30; i++ {
		out, err := m.LossAndGrads(params, batch)
		if err != nil {
			t.Fatal(err)
		}
		mean := out.LossSum / out.WeightSum
		if i == 0 {
			first = mean
		}
		last = mean

		params, slots, err = opt.Apply(params, slots, out.Grads, out.WeightSum)
		if err != nil {
			t.Fatal(err)
		}
	}
	if last >= first {
		t.Fatalf("loss did not fall: %v -> %v over 30 steps", first, last)
	}
}

func TestScoreUniformModel(t *testing.T) {
	m, _ := NewMeanPool(4, 2)
	batch := &batching.Batch{
		Examples: 2,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(2, 2, 3, 0, 3, 0),
			batching.FeatDecoderInput:  intMat(2, 2, 0, 3, 0, 3),
			batching.FeatDecoderTarget: intMat(2, 2, 3, 1, 3, 1),
			batching.FeatLossWeights:   intMat(2, 2, 1, 1, 0, 0),
		},
	}

	scores, err := m.Score(zeroParams(m), batch)
	if err != nil {
		t.Fatal(err)
	}
	// Zero params put 1/4 on every token: two weighted tokens score 2*ln(1/4).
	want := 2 * math.Log(0.25)
	if math.Abs(float64(scores[0])-want) > 1e-5 {
		t.Errorf("scores[0] = %v, want %v", scores[0], want)
	}
	// The fully masked row scores exactly zero.
	if scores[1] != 0 {
		t.Errorf("scores[1] = %v, want 0", scores[1])
	}
}

func TestLossIgnoresMaskedPositions(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	params := m.Init(42)

	masked := func(maskedTarget int32) *batching.Batch {
		b := pairBatch()
		b.Features[batching.FeatLossWeights] = intMat(2, 2, 1, 0, 1, 1)
		tg := b.Features[batching.FeatDecoderTarget].Clone()
		tg.Set(0, 1, maskedTarget)
		b.Features[batching.FeatDecoderTarget] = tg
		return b
	}

	a, err := m.LossAndGrads(params, masked(1))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.LossAndGrads(params, masked(6))
	if err != nil {
		t.Fatal(err)
	}
	if a.LossSum != b.LossSum || a.WeightSum != b.WeightSum {
		t.Fatalf("masked target leaked into loss: %v vs %v", a.LossSum, b.LossSum)
	}
}

func TestGreedyDecodeDeterministic(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	params := m.Init(1)
	dc := config.DecodeConfig{MaxLen: 4, Temperature: 0, Seed: 7}

	a, err := m.Decode(params, pairBatch(), dc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Decode(params, pairBatch(), dc)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Sequences.Equal(b.Sequences) {
		t.Error("greedy sequences differ across identical calls")
	}
	if !a.TokenScores.Equal(b.TokenScores) {
		t.Error("token scores differ across identical calls")
	}
}

func TestSampledDecodeShardIndependent(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	params := m.Init(5)
	dc := config.DecodeConfig{MaxLen: 5, Temperature: 0.8, Seed: 123}

	batch := &batching.Batch{
		Examples: 4,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(4, 2, 3, 4, 5, 0, 6, 3, 4, 4),
			batching.FeatDecoderInput:  intMat(4, 2, 0, 4, 0, 5, 0, 6, 0, 3),
			batching.FeatDecoderTarget: intMat(4, 2, 4, 1, 5, 1, 6, 1, 3, 1),
			batching.FeatLossWeights:   intMat(4, 2, 1, 1, 1, 1, 1, 1, 1, 1),
		},
	}

	full, err := m.Decode(params, batch, dc)
	if err != nil {
		t.Fatal(err)
	}

	for si, shard := range batch.Shard(2) {
		out, err := m.Decode(params, shard, dc)
		if err != nil {
			t.Fatal(err)
		}
		for r := 0; r < 2; r++ {
			wantSeq := full.Sequences.Row(si*2 + r)
			gotSeq := out.Sequences.Row(r)
			for c := range wantSeq {
				if gotSeq[c] != wantSeq[c] {
					t.Fatalf("row %d col %d: shard decode %d != full decode %d", si*2+r, c, gotSeq[c], wantSeq[c])
				}
			}
		}
	}
}

func TestDecodeStopsAtEOS(t *testing.T) {
	m, _ := NewMeanPool(4, 2)
	params := zeroParams(m)
	// Start-token embedding [1,0] and a large weight onto the EOS logit
	// make EOS the immediate greedy pick.
	params[paramDecEmbed].Set(0, 0, 1)
	params[paramDecOut].Set(0, 1, 5)

	batch := &batching.Batch{
		Examples: 1,
		Features: map[string]*tensor.IntMat{
			batching.FeatEncoderInput:  intMat(1, 2, 0, 0),
			batching.FeatDecoderInput:  intMat(1, 1, 0),
			batching.FeatDecoderTarget: intMat(1, 1, 1),
			batching.FeatLossWeights:   intMat(1, 1, 1),
		},
	}

	out, err := m.Decode(params, batch, config.DecodeConfig{MaxLen: 3, Temperature: 0})
	if err != nil {
		t.Fatal(err)
	}
	seq := out.Sequences.Row(0)
	if seq[0] != 1 || seq[1] != 0 || seq[2] != 0 {
		t.Fatalf("sequence = %v, want EOS then padding", seq)
	}
	scores := out.TokenScores.Row(0)
	if scores[0] >= 0 || scores[1] != 0 || scores[2] != 0 {
		t.Fatalf("token scores = %v, want negative log-prob then zeros", scores)
	}
}

func TestRejectsOutOfVocabTokens(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	params := m.Init(42)

	bad := pairBatch()
	bad.Features[batching.FeatEncoderInput].Set(0, 0, 99)
	if _, err := m.LossAndGrads(params, bad); err == nil {
		t.Error("out-of-vocab encoder token accepted")
	}

	bad = pairBatch()
	bad.Features[batching.FeatDecoderTarget].Set(0, 0, -1)
	if _, err := m.LossAndGrads(params, bad); err == nil {
		t.Error("negative target token accepted")
	}
	if _, err := m.Score(params, bad); err == nil {
		t.Error("Score accepted negative target token")
	}
}

func TestDecodeRequiresMaxLen(t *testing.T) {
	m, _ := NewMeanPool(8, 4)
	if _, err := m.Decode(m.Init(1), pairBatch(), config.DecodeConfig{MaxLen: 0}); err == nil {
		t.Fatal("MaxLen 0 accepted")
	}
}
