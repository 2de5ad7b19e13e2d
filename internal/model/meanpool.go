package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-bowyer/internal/batching"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/tensor"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

const (
	paramEncEmbed = "encoder/embed"
	paramDecEmbed = "decoder/embed"
	paramDecOut   = "decoder/out"
)

// MeanPool is the reference encoder-decoder: the encoder mean-pools input
// embeddings, each decoder position adds its own input embedding and
// projects to vocabulary logits. Small enough to differentiate by hand,
// rich enough that loss falls when trained on real pairs. Token id 0 is
// padding everywhere.
type MeanPool struct {
	vocab int
	dim   int
	start int32
	eos   int32
}

func NewMeanPool(vocabSize, dim int) (*MeanPool, error) {
	if vocabSize <= int(tokenizer.UnkID) {
		return nil, fmt.Errorf("model: vocab size %d leaves no room for reserved ids", vocabSize)
	}
	if dim < 1 {
		return nil, fmt.Errorf("model: embedding dim %d (must be positive)", dim)
	}
	return &MeanPool{
		vocab: vocabSize,
		dim:   dim,
		start: tokenizer.PadID,
		eos:   tokenizer.EOSID,
	}, nil
}

func (m *MeanPool) Name() string {
	return "meanpool"
}

func (m *MeanPool) VocabSize() int {
	return m.vocab
}

func (m *MeanPool) Converter() batching.Converter {
	return batching.EncDec{Start: m.start}
}

func (m *MeanPool) ParamShapes() map[string]tensor.Shape {
	return map[string]tensor.Shape{
		paramEncEmbed: {Rows: m.vocab, Cols: m.dim},
		paramDecEmbed: {Rows: m.vocab, Cols: m.dim},
		paramDecOut:   {Rows: m.dim, Cols: m.vocab},
	}
}

// Init draws uniform values in [-1/sqrt(dim), 1/sqrt(dim)] from the seed.
// Parameters are filled in sorted name order so the layout of the map
// cannot change the values.
func (m *MeanPool) Init(seed int64) map[string]*tensor.FloatMat {
	shapes := m.ParamShapes()
	names := make([]string, 0, len(shapes))
	for name := range shapes {
		names = append(names, name)
	}
	sort.Strings(names)

	rng := rand.New(rand.NewSource(seed))
	scale := 1.0 / math.Sqrt(float64(m.dim))

	params := make(map[string]*tensor.FloatMat, len(shapes))
	for _, name := range names {
		shape := shapes[name]
		p := tensor.NewFloatMat(shape.Rows, shape.Cols)
		for i := range p.Data {
			p.Data[i] = float32((rng.Float64()*2 - 1) * scale)
		}
		params[name] = p
	}
	return params
}

func (m *MeanPool) LossAndGrads(params map[string]*tensor.FloatMat, b *batching.Batch) (*GradOut, error) {
	f, err := m.features(params, b)
	if err != nil {
		return nil, err
	}

	out := &GradOut{
		Grads: map[string]*tensor.FloatMat{
			paramEncEmbed: tensor.NewFloatMat(m.vocab, m.dim),
			paramDecEmbed: tensor.NewFloatMat(m.vocab, m.dim),
			paramDecOut:   tensor.NewFloatMat(m.dim, m.vocab),
		},
	}

	dh := make([]float64, m.dim)
	denc := make([]float64, m.dim)
	for r := 0; r < f.rows; r++ {
		enc, nonPad, err := m.encodeRow(f, r)
		if err != nil {
			return nil, err
		}
		for i := range denc {
			denc[i] = 0
		}

		for t := 0; t < f.targetLen; t++ {
			w := float64(f.weights.At(r, t))
			if w == 0 {
				continue
			}
			din := f.decInput.At(r, t)
			target := f.target.At(r, t)
			if err := m.checkToken(batching.FeatDecoderInput, r, t, din); err != nil {
				return nil, err
			}
			if err := m.checkToken(batching.FeatDecoderTarget, r, t, target); err != nil {
				return nil, err
			}

			h := m.hidden(f, enc, din)
			probs := m.probs(f, h)

			out.LossSum += -w * math.Log(probs[target])
			out.WeightSum += w

			// g = w * (p - onehot(target)); dW += h outer g; dh = W g.
			gw := out.Grads[paramDecOut]
			for i := range dh {
				dh[i] = 0
			}
			for v := 0; v < m.vocab; v++ {
				g := w * probs[v]
				if int32(v) == target {
					g -= w
				}
				for d := 0; d < m.dim; d++ {
					gw.Data[d*m.vocab+v] += float32(h[d] * g)
					dh[d] += float64(f.out.At(d, v)) * g
				}
			}

			gdec := out.Grads[paramDecEmbed]
			for d := 0; d < m.dim; d++ {
				gdec.Data[int(din)*m.dim+d] += float32(dh[d])
				denc[d] += dh[d]
			}
		}

		// The pooled encoding feeds every decoder position, so its
		// gradient is the positionwise sum spread over the 1/n pool.
		if nonPad > 0 {
			genc := out.Grads[paramEncEmbed]
			invN := 1.0 / float64(nonPad)
			for i := 0; i < f.inputLen; i++ {
				tok := f.encInput.At(r, i)
				if tok == tokenizer.PadID {
					continue
				}
				for d := 0; d < m.dim; d++ {
					genc.Data[int(tok)*m.dim+d] += float32(denc[d] * invN)
				}
			}
		}
	}
	return out, nil
}

func (m *MeanPool) Score(params map[string]*tensor.FloatMat, b *batching.Batch) ([]float32, error) {
	f, err := m.features(params, b)
	if err != nil {
		return nil, err
	}

	scores := make([]float32, f.rows)
	for r := 0; r < f.rows; r++ {
		enc, _, err := m.encodeRow(f, r)
		if err != nil {
			return nil, err
		}

		total := 0.0
		for t := 0; t < f.targetLen; t++ {
			w := float64(f.weights.At(r, t))
			if w == 0 {
				continue
			}
			din := f.decInput.At(r, t)
			target := f.target.At(r, t)
			if err := m.checkToken(batching.FeatDecoderInput, r, t, din); err != nil {
				return nil, err
			}
			if err := m.checkToken(batching.FeatDecoderTarget, r, t, target); err != nil {
				return nil, err
			}

			probs := m.probs(f, m.hidden(f, enc, din))
			total += w * math.Log(probs[target])
		}
		scores[r] = float32(total)
	}
	return scores, nil
}

func (m *MeanPool) Decode(params map[string]*tensor.FloatMat, b *batching.Batch, dc config.DecodeConfig) (*DecodeOut, error) {
	if dc.MaxLen < 1 {
		return nil, fmt.Errorf("model: decode max_len %d (must be positive)", dc.MaxLen)
	}
	f, err := m.features(params, b)
	if err != nil {
		return nil, err
	}

	out := &DecodeOut{
		Sequences:   tensor.NewIntMat(f.rows, dc.MaxLen),
		TokenScores: tensor.NewFloatMat(f.rows, dc.MaxLen),
	}

	logits32 := make([]float32, m.vocab)
	for r := 0; r < f.rows; r++ {
		enc, _, err := m.encodeRow(f, r)
		if err != nil {
			return nil, err
		}

		sampler := NewSampler(dc, RowSeed(dc.Seed, b.Start+r))
		history := make([]int32, 0, dc.MaxLen)
		prev := m.start
		for t := 0; t < dc.MaxLen; t++ {
			h := m.hidden(f, enc, prev)
			logits := m.logits(f, h)
			for v, l := range logits {
				logits32[v] = float32(l)
			}

			tok := int32(sampler.Sample(logits32, history))
			out.Sequences.Set(r, t, tok)
			out.TokenScores.Set(r, t, float32(logProb(logits, int(tok))))

			if tok == m.eos {
				break
			}
			history = append(history, tok)
			prev = tok
		}
	}
	return out, nil
}

// featureSet bundles validated parameter and feature handles for one batch.
type featureSet struct {
	encEmbed *tensor.FloatMat
	decEmbed *tensor.FloatMat
	out      *tensor.FloatMat

	encInput *tensor.IntMat
	decInput *tensor.IntMat
	target   *tensor.IntMat
	weights  *tensor.IntMat

	rows      int
	inputLen  int
	targetLen int
}

func (m *MeanPool) features(params map[string]*tensor.FloatMat, b *batching.Batch) (*featureSet, error) {
	f := &featureSet{}
	for name, dst := range map[string]**tensor.FloatMat{
		paramEncEmbed: &f.encEmbed,
		paramDecEmbed: &f.decEmbed,
		paramDecOut:   &f.out,
	} {
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("model: parameter %s missing", name)
		}
		if want := m.ParamShapes()[name]; p.Shape() != want {
			return nil, fmt.Errorf("model: parameter %s shape %v, want %v", name, p.Shape(), want)
		}
		*dst = p
	}

	for name, dst := range map[string]**tensor.IntMat{
		batching.FeatEncoderInput:  &f.encInput,
		batching.FeatDecoderInput:  &f.decInput,
		batching.FeatDecoderTarget: &f.target,
		batching.FeatLossWeights:   &f.weights,
	} {
		mat, ok := b.Features[name]
		if !ok {
			return nil, fmt.Errorf("model: feature %s missing from batch", name)
		}
		*dst = mat
	}

	f.rows = f.encInput.Rows
	f.inputLen = f.encInput.Cols
	f.targetLen = f.target.Cols
	if f.decInput.Rows != f.rows || f.target.Rows != f.rows || f.weights.Rows != f.rows {
		return nil, fmt.Errorf("model: features disagree on row count")
	}
	if f.decInput.Cols != f.targetLen || f.weights.Cols != f.targetLen {
		return nil, fmt.Errorf("model: decoder features disagree on length")
	}
	return f, nil
}

// encodeRow mean-pools the embeddings of non-pad input tokens. An all-pad
// row encodes to the zero vector.
func (m *MeanPool) encodeRow(f *featureSet, r int) ([]float64, int, error) {
	enc := make([]float64, m.dim)
	nonPad := 0
	for i := 0; i < f.inputLen; i++ {
		tok := f.encInput.At(r, i)
		if tok == tokenizer.PadID {
			continue
		}
		if err := m.checkToken(batching.FeatEncoderInput, r, i, tok); err != nil {
			return nil, 0, err
		}
		nonPad++
		for d := 0; d < m.dim; d++ {
			enc[d] += float64(f.encEmbed.At(int(tok), d))
		}
	}
	if nonPad > 0 {
		invN := 1.0 / float64(nonPad)
		for d := range enc {
			enc[d] *= invN
		}
	}
	return enc, nonPad, nil
}

func (m *MeanPool) hidden(f *featureSet, enc []float64, din int32) []float64 {
	h := make([]float64, m.dim)
	for d := 0; d < m.dim; d++ {
		h[d] = enc[d] + float64(f.decEmbed.At(int(din), d))
	}
	return h
}

func (m *MeanPool) logits(f *featureSet, h []float64) []float64 {
	logits := make([]float64, m.vocab)
	for d := 0; d < m.dim; d++ {
		hd := h[d]
		row := d * m.vocab
		for v := 0; v < m.vocab; v++ {
			logits[v] += hd * float64(f.out.Data[row+v])
		}
	}
	return logits
}

func (m *MeanPool) probs(f *featureSet, h []float64) []float64 {
	logits := m.logits(f, h)
	maxVal := logits[0]
	for _, l := range logits {
		if l > maxVal {
			maxVal = l
		}
	}
	sum := 0.0
	for v := range logits {
		logits[v] = math.Exp(logits[v] - maxVal)
		sum += logits[v]
	}
	for v := range logits {
		logits[v] /= sum
	}
	return logits
}

func (m *MeanPool) checkToken(feature string, r, c int, tok int32) error {
	if tok < 0 || int(tok) >= m.vocab {
		return fmt.Errorf("model: feature %s row %d col %d: token %d outside vocab of %d", feature, r, c, tok, m.vocab)
	}
	return nil
}

// logProb computes log softmax of logits at index i without building the
// full probability vector.
func logProb(logits []float64, i int) float64 {
	maxVal := logits[0]
	for _, l := range logits {
		if l > maxVal {
			maxVal = l
		}
	}
	sum := 0.0
	for _, l := range logits {
		sum += math.Exp(l - maxVal)
	}
	return logits[i] - maxVal - math.Log(sum)
}
