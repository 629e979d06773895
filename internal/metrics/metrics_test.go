package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAttention(t *testing.T) {
	before := testutil.ToFloat64(AttentionCalls.WithLabelValues("fused"))
	RecordAttention("fused", 16, 128, 5*time.Millisecond)
	after := testutil.ToFloat64(AttentionCalls.WithLabelValues("fused"))
	if after != before+1 {
		t.Errorf("expected fused call counter to increment, got %f -> %f", before, after)
	}

	RecordAttention("manual", 1, 129, time.Millisecond)
	// Histograms accumulate - just verify no panic
}

func TestRecordKVCacheState(t *testing.T) {
	RecordKVCacheState(768, 3, 768*2*4*8)
	if got := testutil.ToFloat64(KVCacheCapacityTokens); got != 768 {
		t.Errorf("capacity gauge = %f, want 768", got)
	}
	if got := testutil.ToFloat64(KVCacheUsedTokens); got != 3 {
		t.Errorf("used gauge = %f, want 3", got)
	}

	// Gauges update in place
	RecordKVCacheState(1024, 800, 1024*2*4*8)
	if got := testutil.ToFloat64(KVCacheCapacityTokens); got != 1024 {
		t.Errorf("capacity gauge = %f, want 1024", got)
	}
}

func TestRecordKVCacheAppend(t *testing.T) {
	before := testutil.ToFloat64(KVCacheAppendedTokens)
	RecordKVCacheAppend(3)
	RecordKVCacheAppend(1)
	after := testutil.ToFloat64(KVCacheAppendedTokens)
	if after != before+4 {
		t.Errorf("expected appended counter +4, got %f -> %f", before, after)
	}
}

func TestRecordKVCacheRealloc(t *testing.T) {
	before := testutil.ToFloat64(KVCacheReallocs)
	RecordKVCacheRealloc()
	after := testutil.ToFloat64(KVCacheReallocs)
	if after != before+1 {
		t.Errorf("expected realloc counter to increment, got %f -> %f", before, after)
	}
}

func TestRecordShapeError(t *testing.T) {
	before := testutil.ToFloat64(ShapeErrors.WithLabelValues("split"))
	RecordShapeError("split")
	RecordShapeError("core")
	after := testutil.ToFloat64(ShapeErrors.WithLabelValues("split"))
	if after != before+1 {
		t.Errorf("expected split stage counter to increment, got %f -> %f", before, after)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("scores", 5, 0)
	RecordNumericalInstability("context", 0, 3)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("scores", "nan")); got < 5 {
		t.Errorf("nan counter = %f, want at least 5", got)
	}

	// Zero counts must not create label pairs
	RecordNumericalInstability("clean", 0, 0)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("clean", "nan")); got != 0 {
		t.Errorf("clean tensor nan counter = %f, want 0", got)
	}
}
