package device

import (
	"math"
	"testing"
)

func TestAnalyzeActivationsHealthy(t *testing.T) {
	s := AnalyzeActivations([]float32{-2, 0, 1, 3})
	if s.Min != -2 || s.Max != 3 {
		t.Fatalf("min=%g max=%g", s.Min, s.Max)
	}
	if s.MeanAbs != 1.5 {
		t.Fatalf("meanAbs = %g", s.MeanAbs)
	}
	if s.Exploded() {
		t.Fatal("healthy tensor flagged")
	}
}

func TestAnalyzeActivationsCountsNonFinite(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	s := AnalyzeActivations([]float32{1, nan, -1, inf, nan})
	if s.NaNs != 2 || s.Infs != 1 {
		t.Fatalf("nans=%d infs=%d", s.NaNs, s.Infs)
	}
	// Non-finite values are excluded from the range and mean.
	if s.Min != -1 || s.Max != 1 || s.MeanAbs != 1 {
		t.Fatalf("min=%g max=%g meanAbs=%g", s.Min, s.Max, s.MeanAbs)
	}
	if !s.Exploded() {
		t.Fatal("NaNs must flag the tensor")
	}
}

func TestExplodedThreshold(t *testing.T) {
	if (ActivationStats{Min: -100, Max: 9999}).Exploded() {
		t.Fatal("below threshold flagged")
	}
	if !(ActivationStats{Min: 0, Max: 10001}).Exploded() {
		t.Fatal("above threshold not flagged")
	}
	if !(ActivationStats{Min: -10001, Max: 0}).Exploded() {
		t.Fatal("large negative not flagged")
	}
}

func TestCheckActivationsReturnsStats(t *testing.T) {
	s := CheckActivations("blk.0.hidden", []float32{0.5, -0.25})
	if s.Max != 0.5 || s.Min != -0.25 {
		t.Fatalf("stats = %+v", s)
	}
}
