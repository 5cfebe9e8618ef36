package metrics

import (
	"testing"
	"time"
)

func TestRecordInferenceAccumulates(t *testing.T) {
	before := TotalTokens()
	RecordInference(3, 10*time.Millisecond)
	RecordInference(1, time.Millisecond)
	if got := TotalTokens() - before; got != 4 {
		t.Fatalf("TotalTokens delta = %d, want 4", got)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordMemory(1024, 512, 4096)
	RecordKernelDuration("matmul_f32", time.Millisecond)
	RecordSubmission(17)
	RecordKVCacheStats(1<<20, 1<<10)
	RecordValidationError("matmul", "shape_mismatch")
	RecordNumericalInstability("logits", 1, 0)
	RecordNumericalInstability("logits", 0, 2)
	RecordShardLoad("local", 4096, time.Millisecond)
	RecordTuneRun("matmul")
	RecordPrefill(5 * time.Millisecond)
}
