package session

import (
	"time"

	"github.com/23skdu/longbow-bowyer/internal/eval"
	"github.com/23skdu/longbow-bowyer/internal/metrics"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

// Evaluate decodes predictions for examples with the default pipeline and
// computes metricFns against the postprocessed targets. A nil post leaves
// values untouched; nil metricFns means the builtin metrics.
func (s *Session) Evaluate(examples []preprocess.Example, post eval.Postprocess, metricFns []eval.Metric) (map[string]float64, error) {
	return s.EvaluateWithPreprocessors(examples, s.DefaultPipeline(), post, metricFns)
}

// EvaluateWithPreprocessors is the general evaluation form. When an output
// directory is configured, a JSON report with per-example predictions and
// scores is written next to the metrics.
func (s *Session) EvaluateWithPreprocessors(examples []preprocess.Example, pipeline []preprocess.Transform, post eval.Postprocess, metricFns []eval.Metric) (map[string]float64, error) {
	m, err := s.evaluate(examples, pipeline, post, metricFns)
	if err != nil {
		s.recordErr("evaluate", err)
		return nil, err
	}
	return m, nil
}

func (s *Session) evaluate(examples []preprocess.Example, pipeline []preprocess.Transform, post eval.Postprocess, metricFns []eval.Metric) (map[string]float64, error) {
	start := time.Now()

	processed, batch, err := s.assemble(examples, pipeline)
	if err != nil {
		return nil, err
	}
	st := s.mgr.Current()

	out, err := s.exec.Predict(st, batch)
	if err != nil {
		return nil, err
	}
	preds, _ := s.decodePredictions(out, len(processed))
	texts := make([]string, len(preds))
	for i, p := range preds {
		texts[i] = p.Text
	}

	if metricFns == nil {
		metricFns = eval.Builtin()
	}
	res, err := eval.NewEngine(post, metricFns).Evaluate(processed, texts)
	if err != nil {
		return nil, err
	}
	metrics.RecordEvaluation(time.Since(start))
	s.log.Info("Evaluation", "step", st.Step(), "examples", len(processed), "metrics", res.Metrics)

	if s.cfg.OutputDir != "" {
		scores, err := s.exec.Score(st, batch)
		if err != nil {
			return nil, err
		}
		path, err := s.writeReport(st.Step(), processed, res, scores[:len(processed)])
		if err != nil {
			return nil, err
		}
		s.log.Info("Wrote evaluation report", "path", path)
	}
	return res.Metrics, nil
}

func (s *Session) writeReport(step uint64, processed []preprocess.Processed, res *eval.Result, scores []float32) (string, error) {
	report := &eval.Report{
		RunID:     s.runID,
		Step:      step,
		CreatedAt: time.Now().UTC(),
		Metrics:   res.Metrics,
		Examples:  make([]eval.ReportExample, len(processed)),
	}
	for i := range processed {
		sc := scores[i]
		report.Examples[i] = eval.ReportExample{
			Input:      processed[i].InputText,
			Target:     res.Targets[i],
			Prediction: res.Predictions[i],
			Score:      &sc,
		}
	}
	return eval.WriteReport(s.cfg.OutputDir, report)
}
