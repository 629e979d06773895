package tensor

import (
	"math"

	"github.com/chewxy/math32"
)

// SoftmaxLastDim normalizes each row of the last dimension in place.
// Rows whose entries are all -Inf (fully masked) come out as all zeros.
// With highPrecision set, exponentiation and accumulation run in float64
// before casting back to float32.
func (t *Tensor) SoftmaxLastDim(highPrecision bool) {
	last := t.dims[len(t.dims)-1]
	rows := t.NumElements() / last
	for r := 0; r < rows; r++ {
		row := t.data[r*last : (r+1)*last]
		if highPrecision {
			softmax64(row)
		} else {
			softmax32(row)
		}
	}
}

func softmax32(row []float32) {
	max := float32(math.Inf(-1))
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	if math32.IsInf(max, -1) {
		for i := range row {
			row[i] = 0
		}
		return
	}
	var sum float32
	for i := range row {
		row[i] = math32.Exp(row[i] - max)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

func softmax64(row []float32) {
	max := math.Inf(-1)
	for _, v := range row {
		if float64(v) > max {
			max = float64(v)
		}
	}
	if math.IsInf(max, -1) {
		for i := range row {
			row[i] = 0
		}
		return
	}
	exps := make([]float64, len(row))
	var sum float64
	for i, v := range row {
		exps[i] = math.Exp(float64(v) - max)
		sum += exps[i]
	}
	for i := range row {
		row[i] = float32(exps[i] / sum)
	}
}
