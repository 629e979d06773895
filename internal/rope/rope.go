// Package rope applies rotary position embeddings as pairwise 2D rotations
// of the leading feature dimensions, driven by a precomputed coefficient
// table.
package rope

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// NewCache precomputes the rotation table for positions [0, maxSeq).
// Returned shape is [maxSeq, rotDim/2, 2] holding (cos, sin) per pair,
// with pair frequencies theta^(-2i/rotDim).
func NewCache(maxSeq, rotDim int, theta float32) (*tensor.Tensor, error) {
	if rotDim <= 0 || rotDim%2 != 0 {
		return nil, fmt.Errorf("%w: rotary dim %d must be positive and even", tensor.ErrShape, rotDim)
	}
	pairs := rotDim / 2
	cache := tensor.New(maxSeq, pairs, 2)
	data := cache.Data()
	for pos := 0; pos < maxSeq; pos++ {
		for i := 0; i < pairs; i++ {
			freq := math.Pow(float64(theta), -2.0*float64(i)/float64(rotDim))
			angle := float64(pos) * freq
			data[(pos*pairs+i)*2+0] = float32(math.Cos(angle))
			data[(pos*pairs+i)*2+1] = float32(math.Sin(angle))
		}
	}
	return cache, nil
}

// Apply rotates the leading 2*pairs features of x's last dimension and
// leaves the remainder untouched. x is [seq, batch, heads, headDim], cache
// is [cacheLen, pairs, 2]; the cache is truncated to the first seq rows, so
// a cache longer than the input is fine (single-token incremental decode
// passes a one-row cache slice).
//
// Per pair (a, b) with coefficients (c, s) the result is
// (a*c - b*s, b*c + a*s). Exact elementwise transform, no approximation.
func Apply(x, cache *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: rotary input rank %d, want 4", tensor.ErrShape, x.Rank())
	}
	if cache.Rank() != 3 || cache.Dim(2) != 2 {
		return nil, fmt.Errorf("%w: rotary cache dims %v, want [len, pairs, 2]", tensor.ErrShape, cache.Dims())
	}

	seq, batch, heads, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	pairs := cache.Dim(1)
	rotDim := 2 * pairs
	if rotDim > headDim {
		return nil, fmt.Errorf("%w: rotary dim %d exceeds head dim %d", tensor.ErrShape, rotDim, headDim)
	}
	if cache.Dim(0) < seq {
		return nil, fmt.Errorf("%w: rotary cache len %d < seq %d", tensor.ErrShape, cache.Dim(0), seq)
	}

	out := x.Clone()
	xd := out.Data()
	cd := cache.Data()
	for s := 0; s < seq; s++ {
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				base := ((s*batch+b)*heads + h) * headDim
				for i := 0; i < pairs; i++ {
					c := cd[(s*pairs+i)*2+0]
					sn := cd[(s*pairs+i)*2+1]
					a := xd[base+2*i]
					bb := xd[base+2*i+1]
					xd[base+2*i] = a*c - bb*sn
					xd[base+2*i+1] = bb*c + a*sn
				}
			}
		}
	}
	return out, nil
}
