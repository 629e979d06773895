package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BMM computes a batched matrix multiply: a [batch,m,k] x b [batch,k,n]
// -> [batch,m,n], scaled by alpha. Each batch slice runs through BLAS sgemm.
func BMM(a, b *Tensor, alpha float32) (*Tensor, error) {
	if a.Rank() != 3 || b.Rank() != 3 {
		return nil, fmt.Errorf("%w: bmm expects rank 3, got %v x %v", ErrShape, a.dims, b.dims)
	}
	batch, m, k := a.dims[0], a.dims[1], a.dims[2]
	if b.dims[0] != batch || b.dims[1] != k {
		return nil, fmt.Errorf("%w: bmm %v x %v", ErrShape, a.dims, b.dims)
	}
	n := b.dims[2]

	out := New(batch, m, n)
	for i := 0; i < batch; i++ {
		av := blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[i*m*k : (i+1)*m*k]}
		bv := blas32.General{Rows: k, Cols: n, Stride: n, Data: b.data[i*k*n : (i+1)*k*n]}
		cv := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[i*m*n : (i+1)*m*n]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, av, bv, 0, cv)
	}
	return out, nil
}

// BMMTransB computes a [batch,m,k] x transpose(b [batch,n,k]) -> [batch,m,n],
// scaled by alpha. This is the raw-score multiply q x k^T without an explicit
// transposed copy of k.
func BMMTransB(a, b *Tensor, alpha float32) (*Tensor, error) {
	if a.Rank() != 3 || b.Rank() != 3 {
		return nil, fmt.Errorf("%w: bmm expects rank 3, got %v x %v", ErrShape, a.dims, b.dims)
	}
	batch, m, k := a.dims[0], a.dims[1], a.dims[2]
	if b.dims[0] != batch || b.dims[2] != k {
		return nil, fmt.Errorf("%w: bmm transB %v x %v", ErrShape, a.dims, b.dims)
	}
	n := b.dims[1]

	out := New(batch, m, n)
	for i := 0; i < batch; i++ {
		av := blas32.General{Rows: m, Cols: k, Stride: k, Data: a.data[i*m*k : (i+1)*m*k]}
		bv := blas32.General{Rows: n, Cols: k, Stride: k, Data: b.data[i*n*k : (i+1)*n*k]}
		cv := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[i*m*n : (i+1)*m*n]}
		blas32.Gemm(blas.NoTrans, blas.Trans, alpha, av, bv, 0, cv)
	}
	return out, nil
}

// MatMulTransB computes x [rows,k] x transpose(w [n,k]) -> [rows,n]. Linear
// projection layers store weights as [outFeatures, inFeatures].
func MatMulTransB(x, w *Tensor) (*Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 {
		return nil, fmt.Errorf("%w: matmul expects rank 2, got %v x %v", ErrShape, x.dims, w.dims)
	}
	rows, k := x.dims[0], x.dims[1]
	if w.dims[1] != k {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShape, x.dims, w.dims)
	}
	n := w.dims[0]

	out := New(rows, n)
	xv := blas32.General{Rows: rows, Cols: k, Stride: k, Data: x.data}
	wv := blas32.General{Rows: n, Cols: k, Stride: k, Data: w.data}
	cv := blas32.General{Rows: rows, Cols: n, Stride: n, Data: out.data}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, xv, wv, 0, cv)
	return out, nil
}
