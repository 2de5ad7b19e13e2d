package session

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

// TrainStep runs one training step over examples using the default
// preprocessing pipeline.
func (s *Session) TrainStep(examples []preprocess.Example) (*TrainSummary, error) {
	return s.TrainStepWithPreprocessors(examples, s.DefaultPipeline())
}

// TrainStepWithPreprocessors is the general form: preprocess with the
// supplied pipeline, assemble, execute, commit. On any failure the
// committed state is exactly what the previous step produced.
func (s *Session) TrainStepWithPreprocessors(examples []preprocess.Example, pipeline []preprocess.Transform) (*TrainSummary, error) {
	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	summary, err := s.trainStepLocked(examples, pipeline)
	if err != nil {
		s.recordErr("train_step", err)
		return nil, err
	}
	return summary, nil
}

func (s *Session) trainStepLocked(examples []preprocess.Example, pipeline []preprocess.Transform) (*TrainSummary, error) {
	_, batch, err := s.assemble(examples, pipeline)
	if err != nil {
		return nil, err
	}

	prev := s.mgr.Current()
	next, loss, err := s.exec.TrainStep(prev, batch)
	if err != nil {
		return nil, err
	}
	if err := s.mgr.Commit(prev, next); err != nil {
		return nil, err
	}

	s.log.Info("Train step", "step", next.Step(), "loss", loss, "examples", batch.Examples)
	return &TrainSummary{Step: next.Step(), Loss: loss, Examples: batch.Examples}, nil
}

// TrainLoop sequences steps training steps, one batch each, interleaving a
// prediction and scoring pass over the supplied batches after every step.
// The returned result carries every step summary but only the final pass's
// predictions and scores. After k steps the counter reads exactly k higher,
// the same as k sequential TrainStep calls.
func (s *Session) TrainLoop(steps int, trainBatches, predictBatches, scoreBatches [][]preprocess.Example) (*LoopResult, error) {
	res, err := s.trainLoop(steps, trainBatches, predictBatches, scoreBatches)
	if err != nil {
		s.recordErr("train_loop", err)
		return nil, err
	}
	return res, nil
}

func (s *Session) trainLoop(steps int, trainBatches, predictBatches, scoreBatches [][]preprocess.Example) (*LoopResult, error) {
	if steps <= 0 {
		return nil, &config.Error{Field: "train_loop.steps", Reason: fmt.Sprintf("%d (must be positive)", steps)}
	}
	if len(trainBatches) < steps {
		return nil, &config.Error{Field: "train_loop.train_batches", Reason: fmt.Sprintf("%d batches for %d steps", len(trainBatches), steps)}
	}

	pipeline := s.DefaultPipeline()
	out := &LoopResult{Summaries: make([]TrainSummary, 0, steps)}

	s.trainMu.Lock()
	defer s.trainMu.Unlock()

	for i := 0; i < steps; i++ {
		summary, err := s.trainStepLocked(trainBatches[i], pipeline)
		if err != nil {
			return nil, err
		}
		out.Summaries = append(out.Summaries, *summary)

		if len(predictBatches) > 0 {
			out.Predictions = out.Predictions[:0]
			for _, batch := range predictBatches {
				res, err := s.infer(ModePredict, batch, pipeline)
				if err != nil {
					return nil, err
				}
				out.Predictions = append(out.Predictions, res.Predictions...)
			}
		}
		if len(scoreBatches) > 0 {
			out.Scores = out.Scores[:0]
			for _, batch := range scoreBatches {
				res, err := s.infer(ModeScore, batch, pipeline)
				if err != nil {
					return nil, err
				}
				out.Scores = append(out.Scores, res.Scores...)
			}
		}
	}

	s.log.Info("Train loop finished",
		"steps", steps, "step", s.mgr.Current().Step(),
		"final_loss", out.Summaries[len(out.Summaries)-1].Loss)
	return out, nil
}
