package attn

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Mask is a boolean attention mask of logical shape [batch|1, 1, qLen, kLen].
// True marks a blocked (disallowed) position. A batch of 1 broadcasts over
// all batches.
type Mask struct {
	data  []bool
	batch int
	qLen  int
	kLen  int
}

// NewMask wraps data, laid out row-major as [batch, qLen, kLen].
func NewMask(data []bool, batch, qLen, kLen int) (*Mask, error) {
	if batch <= 0 || qLen <= 0 || kLen <= 0 || len(data) != batch*qLen*kLen {
		return nil, fmt.Errorf("%w: mask %d elements for [%d,1,%d,%d]", tensor.ErrShape, len(data), batch, qLen, kLen)
	}
	return &Mask{data: data, batch: batch, qLen: qLen, kLen: kLen}, nil
}

// Causal builds the implicit lower-triangular mask for qLen == kLen == n:
// position i may attend to j <= i, everything above the diagonal is blocked.
func Causal(n int) *Mask {
	data := make([]bool, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			data[i*n+j] = true
		}
	}
	return &Mask{data: data, batch: 1, qLen: n, kLen: n}
}

// Blocked reports whether query position q may not attend to key position k
// for batch b.
func (m *Mask) Blocked(b, q, k int) bool {
	if m.batch == 1 {
		b = 0
	}
	return m.data[(b*m.qLen+q)*m.kLen+k]
}

// Invert flips the convention from block-mask to keep-mask (and back). The
// fused kernel expects keep semantics.
func (m *Mask) Invert() *Mask {
	data := make([]bool, len(m.data))
	for i, v := range m.data {
		data[i] = !v
	}
	return &Mask{data: data, batch: m.batch, qLen: m.qLen, kLen: m.kLen}
}

func (m *Mask) QueryLen() int { return m.qLen }

func (m *Mask) KeyLen() int { return m.kLen }

// check validates the mask against the attention shapes.
func (m *Mask) check(batch, qLen, kLen int) error {
	if m.qLen != qLen || m.kLen != kLen {
		return fmt.Errorf("%w: mask [%d,%d] for attention [%d,%d]", tensor.ErrShape, m.qLen, m.kLen, qLen, kLen)
	}
	if m.batch != 1 && m.batch != batch {
		return fmt.Errorf("%w: mask batch %d for batch %d", tensor.ErrShape, m.batch, batch)
	}
	return nil
}
