package device

import (
	"math"

	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// ActivationStats summarizes one activation tensor, taken pre-normalization
// where magnitude problems actually show up. Certain local-attention layers
// have a history of hidden-state blowups at specific positions, so the
// executor samples these on the residual stream and treats a breach as a
// reportable instability rather than letting NaNs surface twenty layers
// later.
type ActivationStats struct {
	Min     float32
	Max     float32
	MeanAbs float64
	NaNs    int
	Infs    int
}

// ExplosionThreshold is the absolute-magnitude ceiling for a healthy
// pre-norm hidden state. f16 overflows at 65504; values within an order of
// magnitude of that are already pathological for a residual stream.
const ExplosionThreshold = 1e4

func AnalyzeActivations(data []float32) ActivationStats {
	s := ActivationStats{Min: float32(math.Inf(1)), Max: float32(math.Inf(-1))}
	var sumAbs float64
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			s.NaNs++
			continue
		case math.IsInf(f, 0):
			s.Infs++
			continue
		}
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sumAbs += math.Abs(f)
	}
	if n := len(data) - s.NaNs - s.Infs; n > 0 {
		s.MeanAbs = sumAbs / float64(n)
	}
	return s
}

// Exploded reports whether the tensor is numerically unhealthy.
func (s ActivationStats) Exploded() bool {
	if s.NaNs > 0 || s.Infs > 0 {
		return true
	}
	return float64(s.Max) > ExplosionThreshold || float64(s.Min) < -ExplosionThreshold
}

// CheckActivations analyzes and, on a breach, logs and records the
// instability under the given tensor name. Returns the stats either way.
func CheckActivations(name string, data []float32) ActivationStats {
	s := AnalyzeActivations(data)
	if s.Exploded() {
		logger.Log.Warn("activation explosion",
			"tensor", name,
			"min", s.Min, "max", s.Max, "mean_abs", s.MeanAbs,
			"nans", s.NaNs, "infs", s.Infs)
		metrics.RecordNumericalInstability(name, s.NaNs, s.Infs)
	}
	return s
}
