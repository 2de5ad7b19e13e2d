package session

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
)

// Predict decodes target sequences for examples using the default
// preprocessing pipeline.
func (s *Session) Predict(examples []preprocess.Example) ([]Prediction, error) {
	res, err := s.InferWithPreprocessors(ModePredict, examples, s.DefaultPipeline())
	if err != nil {
		return nil, err
	}
	return res.Predictions, nil
}

// PredictWithAux decodes like Predict and additionally returns each
// prediction's per-token log-probabilities.
func (s *Session) PredictWithAux(examples []preprocess.Example) ([]Prediction, *Aux, error) {
	res, err := s.InferWithPreprocessors(ModePredictWithAux, examples, s.DefaultPipeline())
	if err != nil {
		return nil, nil, err
	}
	return res.Predictions, res.Aux, nil
}

// Score computes each example's target log-likelihood under the current
// parameters using the default preprocessing pipeline.
func (s *Session) Score(examples []preprocess.Example) ([]float32, error) {
	res, err := s.InferWithPreprocessors(ModeScore, examples, s.DefaultPipeline())
	if err != nil {
		return nil, err
	}
	return res.Scores, nil
}

// InferWithPreprocessors is the general inference form, dispatching on
// mode with a caller-supplied pipeline. Read-only with respect to the
// train state, no matter how often it is called.
func (s *Session) InferWithPreprocessors(mode InferMode, examples []preprocess.Example, pipeline []preprocess.Transform) (*InferResult, error) {
	res, err := s.infer(mode, examples, pipeline)
	if err != nil {
		s.recordErr(mode.String(), err)
		return nil, err
	}
	return res, nil
}

func (s *Session) infer(mode InferMode, examples []preprocess.Example, pipeline []preprocess.Transform) (*InferResult, error) {
	processed, batch, err := s.assemble(examples, pipeline)
	if err != nil {
		return nil, err
	}
	st := s.mgr.Current()

	switch mode {
	case ModePredict, ModePredictWithAux:
		out, err := s.exec.Predict(st, batch)
		if err != nil {
			return nil, err
		}
		preds, aux := s.decodePredictions(out, len(processed))
		res := &InferResult{Predictions: preds}
		if mode == ModePredictWithAux {
			res.Aux = aux
		}
		return res, nil
	case ModeScore:
		scores, err := s.exec.Score(st, batch)
		if err != nil {
			return nil, err
		}
		return &InferResult{Scores: scores[:len(processed)]}, nil
	default:
		return nil, &config.Error{Field: "infer_mode", Reason: fmt.Sprintf("%d (must be predict, predict_with_aux or score)", int(mode))}
	}
}

// decodePredictions trims row padding off the decoded batch, cuts each
// sequence after its first EOS and detokenizes.
func (s *Session) decodePredictions(out *model.DecodeOut, n int) ([]Prediction, *Aux) {
	preds := make([]Prediction, n)
	scores := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := out.Sequences.Row(i)
		length := decodedLength(row)

		tokens := make([]int32, length)
		copy(tokens, row[:length])
		preds[i] = Prediction{Text: s.vocab.Decode(tokens), Tokens: tokens}

		sc := make([]float32, length)
		copy(sc, out.TokenScores.Row(i)[:length])
		scores[i] = sc
	}
	return preds, &Aux{Scores: scores}
}

// decodedLength includes the EOS token when the row has one.
func decodedLength(row []int32) int {
	for i, id := range row {
		if id == tokenizer.EOSID {
			return i + 1
		}
	}
	return len(row)
}
