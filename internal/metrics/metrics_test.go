package metrics

import (
	"testing"
	"time"
)

func TestMetricsExistence(t *testing.T) {
	// Verify our exported metrics functions exist and don't panic
	RecordTrainStep(2.31, 8, 100*time.Millisecond)
	RecordStep(17)
	RecordInference("predict", 42, 50*time.Millisecond)
	// Functions exist and work - no assertion needed
}

func TestRecordTrainStepMultiple(t *testing.T) {
	RecordTrainStep(3.0, 8, 80*time.Millisecond)
	RecordTrainStep(2.5, 8, 75*time.Millisecond)
	RecordTrainStep(2.1, 8, 90*time.Millisecond)

	// Counter should accumulate, loss gauge keeps the last value - just verify no panic
}

func TestRecordInferenceModes(t *testing.T) {
	RecordInference("predict", 10, 10*time.Millisecond)
	RecordInference("predict_with_aux", 10, 12*time.Millisecond)
	RecordInference("score", 0, 5*time.Millisecond)
}

func TestRecordCompileHitAndMiss(t *testing.T) {
	RecordCompile(false, 30*time.Millisecond) // first shape compiles
	RecordCompile(true, 0)                    // same shape reuses
	RecordCompile(true, 0)
}

func TestRecordCheckpointTimings(t *testing.T) {
	RecordRestore(1000, 200*time.Millisecond)
	RecordSave(1001, 150*time.Millisecond)
}

func TestRecordBatchFillBounds(t *testing.T) {
	RecordBatchFill(8, 8)
	RecordBatchFill(3, 8)
	RecordBatchFill(0, 0) // degenerate size must not divide by zero
}

func TestRecordOpError(t *testing.T) {
	RecordOpError("train_step", "shape")
	RecordOpError("evaluate", "metric")
}

func TestRecordDataBatches(t *testing.T) {
	RecordDataBatches("wmt_en_de", 4)
	RecordDataBatches("file", 1)
}
