// Package eval turns decoded predictions into named metric values. The
// engine is string-level: token ids are detokenized by the caller, then
// postprocessing and metric functions run on plain text.
package eval

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/logger"
	"github.com/23skdu/longbow-bowyer/internal/preprocess"
)

// Postprocess rewrites a raw value before metrics see it. It runs once
// per example for the target (isTarget true) and once for the prediction,
// receiving the example for context.
type Postprocess func(value string, ex preprocess.Processed, isTarget bool) (string, error)

// MetricFn computes named values over aligned target/prediction lists.
type MetricFn func(targets, predictions []string) (map[string]float64, error)

// Metric is a named metric function; the name labels errors, the function
// chooses its own result keys.
type Metric struct {
	Name string
	Fn   MetricFn
}

// MetricError wraps a failing postprocess or metric function.
type MetricError struct {
	Metric string
	Err    error
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("metric %s: %v", e.Metric, e.Err)
}

func (e *MetricError) Unwrap() error {
	return e.Err
}

// Result carries the merged metric values plus the postprocessed pairs
// they were computed from, so callers can persist a full report.
type Result struct {
	Metrics     map[string]float64
	Targets     []string
	Predictions []string
}

type Engine struct {
	post    Postprocess
	metrics []Metric
	log     *logger.Logger
}

// NewEngine builds an evaluation engine. A nil postprocess passes values
// through; nil metrics fall back to Builtin().
func NewEngine(post Postprocess, metrics []Metric) *Engine {
	if metrics == nil {
		metrics = Builtin()
	}
	return &Engine{post: post, metrics: metrics, log: logger.Component("eval")}
}

// Evaluate postprocesses targets and predictions, runs every metric
// function in order, and merges their values. Duplicate keys are
// overwritten by later metrics, with a warning.
func (e *Engine) Evaluate(examples []preprocess.Processed, predictions []string) (*Result, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("eval: no examples")
	}
	if len(predictions) != len(examples) {
		return nil, fmt.Errorf("eval: %d predictions for %d examples", len(predictions), len(examples))
	}

	res := &Result{
		Metrics:     make(map[string]float64),
		Targets:     make([]string, len(examples)),
		Predictions: make([]string, len(examples)),
	}
	for i, ex := range examples {
		target, err := e.apply(ex.TargetText, ex, true)
		if err != nil {
			return nil, &MetricError{Metric: "postprocess", Err: fmt.Errorf("example %d target: %w", i, err)}
		}
		pred, err := e.apply(predictions[i], ex, false)
		if err != nil {
			return nil, &MetricError{Metric: "postprocess", Err: fmt.Errorf("example %d prediction: %w", i, err)}
		}
		res.Targets[i] = target
		res.Predictions[i] = pred
	}

	for _, metric := range e.metrics {
		values, err := metric.Fn(res.Targets, res.Predictions)
		if err != nil {
			return nil, &MetricError{Metric: metric.Name, Err: err}
		}
		for key, value := range values {
			if _, dup := res.Metrics[key]; dup {
				e.log.Warn("Metric key overwritten", "key", key, "metric", metric.Name)
			}
			res.Metrics[key] = value
		}
	}
	return res, nil
}

func (e *Engine) apply(value string, ex preprocess.Processed, isTarget bool) (string, error) {
	if e.post == nil {
		return value, nil
	}
	return e.post(value, ex, isTarget)
}
