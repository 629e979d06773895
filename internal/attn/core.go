package attn

import (
	"fmt"
	"math"
	"time"

	"github.com/chewxy/math32"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Computation path labels.
const (
	PathFused  = "fused"
	PathManual = "manual"
)

// SelectPath picks the attention strategy. The fused streaming kernel wins
// for multi-token queries when available; single-token incremental decode
// and fused-less hosts take the manual score/softmax path. Both paths
// produce equal results within float tolerance.
func SelectPath(queryLen int, fusedAvailable bool) string {
	if queryLen > 1 && fusedAvailable {
		return PathFused
	}
	return PathManual
}

// Core computes attention outputs from query/key/value tensors.
type Core struct {
	heads   int
	headDim int

	coeff         float32
	highPrecision bool
	fused         bool

	log   *logger.Logger
	debug bool
}

func NewCore(cfg config.Config) *Core {
	return &Core{
		heads:         cfg.Heads,
		headDim:       cfg.HeadDim,
		coeff:         cfg.Coeff,
		highPrecision: cfg.SoftmaxHighPrecision,
		fused:         cfg.FusedCore,
		log:           logger.Log.Component("attn"),
		debug:         cfg.DebugAttention,
	}
}

// Attend computes attention for q [qLen, batch, heads, hd] against
// k/v [batch, heads, kLen, hd], returning [qLen, batch, heads*hd]. A nil
// mask with qLen == kLen implies causal masking; otherwise nil means full
// attention.
func (c *Core) Attend(q, k, v *tensor.Tensor, mask *Mask) (*tensor.Tensor, error) {
	if err := c.validate(q, k, v, mask); err != nil {
		metrics.RecordShapeError("core")
		return nil, err
	}

	qLen := q.Dim(0)
	kLen := k.Dim(2)
	path := SelectPath(qLen, c.fused)

	start := time.Now()
	var out *tensor.Tensor
	var err error
	switch path {
	case PathFused:
		out, err = c.fusedPath(q, k, v, mask)
	default:
		out, err = c.manualPath(q, k, v, mask)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordAttention(path, qLen, kLen, time.Since(start))
	if c.debug {
		c.log.Debug("attend", "path", path, "q_len", qLen, "k_len", kLen)
	}
	return out, nil
}

func (c *Core) validate(q, k, v *tensor.Tensor, mask *Mask) error {
	if q.Rank() != 4 || k.Rank() != 4 || v.Rank() != 4 {
		return fmt.Errorf("%w: attention ranks %d/%d/%d, want 4", tensor.ErrShape, q.Rank(), k.Rank(), v.Rank())
	}
	batch, heads, hd := q.Dim(1), q.Dim(2), q.Dim(3)
	if k.Dim(0) != batch || k.Dim(1) != heads || k.Dim(3) != hd {
		return fmt.Errorf("%w: query %v vs key %v", tensor.ErrShape, q.Dims(), k.Dims())
	}
	for i := 0; i < 4; i++ {
		if v.Dim(i) != k.Dim(i) {
			return fmt.Errorf("%w: key %v vs value %v", tensor.ErrShape, k.Dims(), v.Dims())
		}
	}
	if mask != nil {
		return mask.check(batch, q.Dim(0), k.Dim(2))
	}
	return nil
}

// manualPath materializes the score matrix: BMM(q, k^T) scaled by
// 1/sqrt(hd) (times the optional coefficient), mask fill with -Inf, softmax
// over keys, then BMM against values. Dropout is a no-op at inference.
func (c *Core) manualPath(q, k, v *tensor.Tensor, mask *Mask) (*tensor.Tensor, error) {
	qLen, batch, heads, hd := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kLen := k.Dim(2)

	qp, err := q.Permute(1, 2, 0, 3) // [batch, heads, qLen, hd]
	if err != nil {
		return nil, err
	}
	qr, err := qp.Reshape(batch*heads, qLen, hd)
	if err != nil {
		return nil, err
	}
	kr, err := k.Reshape(batch*heads, kLen, hd)
	if err != nil {
		return nil, err
	}

	norm := float32(1.0 / math.Sqrt(float64(hd)))
	scores, err := tensor.BMMTransB(qr, kr, norm) // [batch*heads, qLen, kLen]
	if err != nil {
		return nil, err
	}
	if c.coeff != 0 && c.coeff != 1 {
		data := scores.Data()
		for i := range data {
			data[i] *= c.coeff
		}
	}

	if mask == nil && qLen == kLen {
		mask = Causal(qLen)
	}
	if mask != nil {
		fillBlocked(scores, mask, batch, heads)
	}

	scores.SoftmaxLastDim(c.highPrecision)

	vr, err := v.Reshape(batch*heads, kLen, hd)
	if err != nil {
		return nil, err
	}
	ctx, err := tensor.BMM(scores, vr, 1) // [batch*heads, qLen, hd]
	if err != nil {
		return nil, err
	}

	return toSeqMajor(ctx, qLen, batch, heads, hd)
}

// fillBlocked sets blocked score positions to -Inf before the softmax.
func fillBlocked(scores *tensor.Tensor, mask *Mask, batch, heads int) {
	qLen, kLen := scores.Dim(1), scores.Dim(2)
	negInf := float32(math.Inf(-1))
	data := scores.Data()
	for bh := 0; bh < batch*heads; bh++ {
		b := bh / heads
		base := bh * qLen * kLen
		for qi := 0; qi < qLen; qi++ {
			for ki := 0; ki < kLen; ki++ {
				if mask.Blocked(b, qi, ki) {
					data[base+qi*kLen+ki] = negInf
				}
			}
		}
	}
}

// fusedPath runs the streaming kernel. The kernel takes keep-mask
// semantics, so the block mask is inverted on the way in; a nil mask with
// qLen == kLen requests causal handling from the kernel directly.
func (c *Core) fusedPath(q, k, v *tensor.Tensor, mask *Mask) (*tensor.Tensor, error) {
	qLen, batch, heads, hd := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kLen := k.Dim(2)

	qp, err := q.Permute(1, 2, 0, 3) // [batch, heads, qLen, hd]
	if err != nil {
		return nil, err
	}

	causal := false
	var keep *Mask
	if mask == nil && qLen == kLen {
		causal = true
	} else if mask != nil {
		keep = mask.Invert()
	}

	norm := float32(1.0 / math.Sqrt(float64(hd)))
	ctx := fusedSDPA(qp, k, v, keep, causal, norm)
	return toSeqMajor(ctx, qLen, batch, heads, hd)
}

// fusedSDPA is the streaming scaled-dot-product kernel: one pass over keys
// per query position with an online softmax (running max, running sum,
// rescaled accumulator), never materializing the score matrix. keep marks
// allowed positions; causal limits key j <= query i.
func fusedSDPA(q, k, v *tensor.Tensor, keep *Mask, causal bool, scale float32) *tensor.Tensor {
	batch, heads, qLen, hd := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kLen := k.Dim(2)

	out := tensor.New(batch, heads, qLen, hd)
	qd, kd, vd, od := q.Data(), k.Data(), v.Data(), out.Data()
	acc := make([]float32, hd)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			kBase := (b*heads + h) * kLen * hd
			for qi := 0; qi < qLen; qi++ {
				qOff := ((b*heads+h)*qLen + qi) * hd
				qRow := qd[qOff : qOff+hd]

				m := float32(math.Inf(-1))
				var s float32
				for i := range acc {
					acc[i] = 0
				}

				for ki := 0; ki < kLen; ki++ {
					if causal && ki > qi {
						break
					}
					if keep != nil && !keep.data[maskIdx(keep, b, qi, ki)] {
						continue
					}
					kRow := kd[kBase+ki*hd : kBase+(ki+1)*hd]
					var dot float32
					for i := 0; i < hd; i++ {
						dot += qRow[i] * kRow[i]
					}
					score := dot * scale

					newMax := m
					if score > newMax {
						newMax = score
					}
					correction := math32.Exp(m - newMax)
					w := math32.Exp(score - newMax)
					s = s*correction + w
					vRow := vd[kBase+ki*hd : kBase+(ki+1)*hd]
					for i := 0; i < hd; i++ {
						acc[i] = acc[i]*correction + w*vRow[i]
					}
					m = newMax
				}

				oRow := od[qOff : qOff+hd]
				if s == 0 {
					for i := range oRow {
						oRow[i] = 0
					}
					continue
				}
				for i := 0; i < hd; i++ {
					oRow[i] = acc[i] / s
				}
			}
		}
	}
	return out
}

func maskIdx(m *Mask, b, q, k int) int {
	if m.batch == 1 {
		b = 0
	}
	return (b*m.qLen+q)*m.kLen + k
}

// toSeqMajor permutes [batch, heads, qLen, hd] (flattened or not) back to
// [qLen, batch, heads*hd].
func toSeqMajor(ctx *tensor.Tensor, qLen, batch, heads, hd int) (*tensor.Tensor, error) {
	r, err := ctx.Reshape(batch, heads, qLen, hd)
	if err != nil {
		return nil, err
	}
	p, err := r.Permute(2, 0, 1, 3) // [qLen, batch, heads, hd]
	if err != nil {
		return nil, err
	}
	return p.Reshape(qLen, batch, heads*hd)
}
