package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is returned when tensor dimensions are incompatible with an
// operation (split, reshape, matmul, broadcast).
var ErrShape = errors.New("shape mismatch")

// Tensor is a dense row-major float32 tensor. Data is always contiguous;
// Permute and Narrow materialize copies, Reshape shares the backing slice.
type Tensor struct {
	data []float32
	dims []int
}

// New allocates a zero-filled tensor with the given dimensions.
func New(dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return &Tensor{
		data: make([]float32, n),
		dims: append([]int(nil), dims...),
	}
}

// FromSlice wraps data in a tensor of the given dimensions without copying.
func FromSlice(data []float32, dims ...int) (*Tensor, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for dims %v", ErrShape, len(data), dims)
	}
	return &Tensor{data: data, dims: append([]int(nil), dims...)}, nil
}

func (t *Tensor) Dims() []int { return t.dims }

func (t *Tensor) Dim(i int) int { return t.dims[i] }

func (t *Tensor) Rank() int { return len(t.dims) }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := New(t.dims...)
	copy(out.data, t.data)
	return out
}

// Reshape returns a view over the same backing data with new dimensions.
// Element count must be preserved.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(t.data) {
		return nil, fmt.Errorf("%w: reshape %v to %v", ErrShape, t.dims, dims)
	}
	return &Tensor{data: t.data, dims: append([]int(nil), dims...)}, nil
}

// offset computes the flat index for coordinates idx.
func (t *Tensor) offset(idx ...int) int {
	off := 0
	for i, x := range idx {
		off = off*t.dims[i] + x
	}
	return off
}

// At reads the element at the given coordinates. Full-rank indexing only.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx...)]
}

// Set writes the element at the given coordinates.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx...)] = v
}

// Permute materializes a copy with axes reordered per order, e.g.
// Permute(1, 2, 0, 3) maps [s,b,h,d] to [b,h,s,d].
func (t *Tensor) Permute(order ...int) (*Tensor, error) {
	if len(order) != len(t.dims) {
		return nil, fmt.Errorf("%w: permute order %v for rank %d", ErrShape, order, len(t.dims))
	}
	seen := make([]bool, len(order))
	newDims := make([]int, len(order))
	for i, o := range order {
		if o < 0 || o >= len(t.dims) || seen[o] {
			return nil, fmt.Errorf("%w: invalid permute order %v", ErrShape, order)
		}
		seen[o] = true
		newDims[i] = t.dims[o]
	}

	out := New(newDims...)
	oldStrides := strides(t.dims)
	newStrides := strides(newDims)
	idx := make([]int, len(t.dims))
	for flat := range out.data {
		// Decompose flat index in the permuted layout, then map back.
		rem := flat
		for i := range newDims {
			idx[i] = rem / newStrides[i]
			rem %= newStrides[i]
		}
		src := 0
		for i, o := range order {
			src += idx[i] * oldStrides[o]
		}
		out.data[flat] = t.data[src]
	}
	return out, nil
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}

// SplitLast splits along the last dimension into len(sizes) tensors whose
// last-dim sizes are given. Sizes must sum to the last dimension.
func (t *Tensor) SplitLast(sizes ...int) ([]*Tensor, error) {
	last := t.dims[len(t.dims)-1]
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != last {
		return nil, fmt.Errorf("%w: split sizes %v for last dim %d", ErrShape, sizes, last)
	}

	rows := t.NumElements() / last
	parts := make([]*Tensor, len(sizes))
	off := 0
	for p, sz := range sizes {
		dims := append([]int(nil), t.dims...)
		dims[len(dims)-1] = sz
		out := New(dims...)
		for r := 0; r < rows; r++ {
			copy(out.data[r*sz:(r+1)*sz], t.data[r*last+off:r*last+off+sz])
		}
		parts[p] = out
		off += sz
	}
	return parts, nil
}

// Narrow copies the slice [start, start+n) along dim into a new tensor.
func (t *Tensor) Narrow(dim, start, n int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.dims) {
		return nil, fmt.Errorf("%w: narrow dim %d of rank %d", ErrShape, dim, len(t.dims))
	}
	if start < 0 || n < 0 || start+n > t.dims[dim] {
		return nil, fmt.Errorf("%w: narrow [%d,%d) of dim size %d", ErrShape, start, start+n, t.dims[dim])
	}

	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.dims[i]
	}
	inner := 1
	for i := dim + 1; i < len(t.dims); i++ {
		inner *= t.dims[i]
	}

	dims := append([]int(nil), t.dims...)
	dims[dim] = n
	out := New(dims...)
	srcRow := t.dims[dim] * inner
	dstRow := n * inner
	for o := 0; o < outer; o++ {
		copy(out.data[o*dstRow:(o+1)*dstRow], t.data[o*srcRow+start*inner:o*srcRow+(start+n)*inner])
	}
	return out, nil
}

// Cat concatenates a and b along the last dimension. All other dimensions
// must agree.
func Cat(a, b *Tensor) (*Tensor, error) {
	if len(a.dims) != len(b.dims) {
		return nil, fmt.Errorf("%w: cat rank %d vs %d", ErrShape, len(a.dims), len(b.dims))
	}
	for i := 0; i < len(a.dims)-1; i++ {
		if a.dims[i] != b.dims[i] {
			return nil, fmt.Errorf("%w: cat dims %v vs %v", ErrShape, a.dims, b.dims)
		}
	}
	la := a.dims[len(a.dims)-1]
	lb := b.dims[len(b.dims)-1]
	dims := append([]int(nil), a.dims...)
	dims[len(dims)-1] = la + lb
	out := New(dims...)
	rows := a.NumElements() / la
	for r := 0; r < rows; r++ {
		copy(out.data[r*(la+lb):], a.data[r*la:(r+1)*la])
		copy(out.data[r*(la+lb)+la:], b.data[r*lb:(r+1)*lb])
	}
	return out, nil
}
