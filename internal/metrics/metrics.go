package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_train_steps_total",
		Help: "The total number of committed training steps",
	})

	TrainStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_train_step_duration_seconds",
		Help:    "Duration of training steps, compile time excluded",
		Buckets: prometheus.DefBuckets,
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_train_loss",
		Help: "Loss of the most recent training step",
	})

	TrainExamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_train_examples_total",
		Help: "The total number of examples consumed by training steps",
	})

	StepCounter = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_step",
		Help: "Current train state step counter",
	})

	InferRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bowyer_infer_requests_total",
		Help: "Total inference calls by mode",
	}, []string{"mode"})

	InferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bowyer_infer_duration_seconds",
		Help:    "Duration of inference calls by mode",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	InferTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_infer_tokens_total",
		Help: "The total number of tokens decoded by predict calls",
	})

	CompileTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_compile_total",
		Help: "Total step-function compilations (cache misses)",
	})

	CompileCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_compile_cache_hits_total",
		Help: "Total compiled-step cache hits",
	})

	CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_compile_duration_seconds",
		Help:    "Duration of step-function compilation",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointRestoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_checkpoint_restore_duration_seconds",
		Help:    "Duration of checkpoint restores",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointSaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_checkpoint_save_duration_seconds",
		Help:    "Duration of checkpoint saves",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointStep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_checkpoint_step",
		Help: "Step of the last checkpoint restored or saved",
	})

	EvalRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_eval_runs_total",
		Help: "Total evaluation runs",
	})

	EvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_eval_duration_seconds",
		Help:    "Duration of evaluation runs including inference",
		Buckets: prometheus.DefBuckets,
	})

	BatchFill = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_batch_fill_ratio",
		Help:    "Fraction of batch rows holding real examples (rest is row padding)",
		Buckets: []float64{0.125, 0.25, 0.5, 0.75, 0.875, 1.0},
	})

	OpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bowyer_op_errors_total",
		Help: "Total operation failures by operation and error kind",
	}, []string{"op", "kind"})

	DataBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bowyer_data_batches_total",
		Help: "Total batches fetched from the data bridge by source",
	}, []string{"source"})
)

func RecordTrainStep(loss float64, examples int, duration time.Duration) {
	TrainStepsTotal.Inc()
	TrainLoss.Set(loss)
	TrainExamplesTotal.Add(float64(examples))
	TrainStepDuration.Observe(duration.Seconds())
}

func RecordStep(step uint64) {
	StepCounter.Set(float64(step))
}

func RecordInference(mode string, tokens int, duration time.Duration) {
	InferRequestsTotal.WithLabelValues(mode).Inc()
	InferDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if tokens > 0 {
		InferTokensTotal.Add(float64(tokens))
	}
}

func RecordCompile(cacheHit bool, duration time.Duration) {
	if cacheHit {
		CompileCacheHitsTotal.Inc()
		return
	}
	CompileTotal.Inc()
	CompileDuration.Observe(duration.Seconds())
}

func RecordRestore(step uint64, duration time.Duration) {
	CheckpointStep.Set(float64(step))
	CheckpointRestoreDuration.Observe(duration.Seconds())
}

func RecordSave(step uint64, duration time.Duration) {
	CheckpointStep.Set(float64(step))
	CheckpointSaveDuration.Observe(duration.Seconds())
}

func RecordEvaluation(duration time.Duration) {
	EvalRunsTotal.Inc()
	EvalDuration.Observe(duration.Seconds())
}

func RecordBatchFill(used, size int) {
	if size > 0 {
		BatchFill.Observe(float64(used) / float64(size))
	}
}

func RecordOpError(op, kind string) {
	OpErrorsTotal.WithLabelValues(op, kind).Inc()
}

func RecordDataBatches(source string, n int) {
	DataBatchesTotal.WithLabelValues(source).Add(float64(n))
}
