// Package trace captures attention activations for offline inspection:
// summary statistics, Arrow IPC file recording, and an optional Arrow
// Flight publisher for shipping batches to a collector.
package trace

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Stats summarizes a tensor's values.
type Stats struct {
	Max   float32
	Min   float32
	Mean  float32
	RMS   float32
	Zeros int
	NaNs  int
	Infs  int
}

// ComputeStats scans data once and records NaN/Inf sightings under the
// given tensor name.
func ComputeStats(name string, t *tensor.Tensor) Stats {
	data := t.Data()
	stats := Stats{
		Max: float32(math.Inf(-1)),
		Min: float32(math.Inf(1)),
	}
	if len(data) == 0 {
		return stats
	}

	var mean, rms float64
	for _, v := range data {
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		if v == 0 {
			stats.Zeros++
		}
		f := float64(v)
		mean += f
		rms += f * f
		if math.IsNaN(f) {
			stats.NaNs++
		}
		if math.IsInf(f, 0) {
			stats.Infs++
		}
	}

	n := float64(len(data))
	stats.Mean = float32(mean / n)
	stats.RMS = float32(math.Sqrt(rms / n))

	metrics.RecordNumericalInstability(name, stats.NaNs, stats.Infs)
	return stats
}
