package attn

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/rope"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Linear is a projection module: weight [outFeatures, inFeatures] with an
// optional bias [outFeatures]. The query_key_value and dense projections of
// the surrounding transformer block are supplied as Linears.
type Linear struct {
	W *tensor.Tensor
	B *tensor.Tensor
}

func NewLinear(w, b *tensor.Tensor) (*Linear, error) {
	if w == nil || w.Rank() != 2 {
		return nil, fmt.Errorf("%w: linear weight must be rank 2", tensor.ErrShape)
	}
	if b != nil && (b.Rank() != 1 || b.Dim(0) != w.Dim(0)) {
		return nil, fmt.Errorf("%w: linear bias dims %v for weight %v", tensor.ErrShape, b.Dims(), w.Dims())
	}
	return &Linear{W: w, B: b}, nil
}

// Forward projects x [seq, batch, in] to [seq, batch, out].
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 3 {
		return nil, fmt.Errorf("%w: linear input rank %d, want 3", tensor.ErrShape, x.Rank())
	}
	seq, batch, in := x.Dim(0), x.Dim(1), x.Dim(2)
	if in != l.W.Dim(1) {
		return nil, fmt.Errorf("%w: linear input dim %d for weight %v", tensor.ErrShape, in, l.W.Dims())
	}

	flat, err := x.Reshape(seq*batch, in)
	if err != nil {
		return nil, err
	}
	y, err := tensor.MatMulTransB(flat, l.W)
	if err != nil {
		return nil, err
	}
	out := l.W.Dim(0)
	if l.B != nil {
		yd, bd := y.Data(), l.B.Data()
		for r := 0; r < seq*batch; r++ {
			for j := 0; j < out; j++ {
				yd[r*out+j] += bd[j]
			}
		}
	}
	return y.Reshape(seq, batch, out)
}

// SelfAttention orchestrates one attention layer:
// project -> split -> rotate -> broadcast -> cache append -> core -> dense.
// The layer exclusively owns its cache manager for one generation session;
// any shape or allocation failure is fatal to the call and propagated.
type SelfAttention struct {
	cfg   config.Config
	qkv   *Linear
	dense *Linear
	cache *kvcache.Manager
	core  *Core
	log   *logger.Logger
}

func NewSelfAttention(cfg config.Config, qkv, dense *Linear) (*SelfAttention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if qkv == nil || dense == nil {
		return nil, fmt.Errorf("%w: qkv and dense projections are required", ErrConfig)
	}
	if qkv.W.Dim(0) != cfg.FusedDim() || qkv.W.Dim(1) != cfg.Hidden {
		return nil, fmt.Errorf("%w: qkv weight %v, want [%d,%d]", tensor.ErrShape, qkv.W.Dims(), cfg.FusedDim(), cfg.Hidden)
	}
	if dense.W.Dim(0) != cfg.Hidden || dense.W.Dim(1) != cfg.Hidden {
		return nil, fmt.Errorf("%w: dense weight %v, want [%d,%d]", tensor.ErrShape, dense.W.Dims(), cfg.Hidden, cfg.Hidden)
	}
	return &SelfAttention{
		cfg:   cfg,
		qkv:   qkv,
		dense: dense,
		cache: kvcache.NewManager(cfg),
		core:  NewCore(cfg),
		log:   logger.Log.Component("layer"),
	}, nil
}

// CacheCapacity exposes the private buffer capacity in time steps.
func (sa *SelfAttention) CacheCapacity() int { return sa.cache.Capacity() }

// ResetSession discards the cache buffers for a fresh generation session.
func (sa *SelfAttention) ResetSession() { sa.cache.Reset() }

// Forward runs one attention call over hidden [seq, batch, hiddenDim].
// ropeCache is the precomputed rotary table (nil skips rotation); prior is
// the handle returned by the previous call (nil starts fresh); useCache
// controls whether a handle is returned. Output is [seq, batch, hiddenDim].
func (sa *SelfAttention) Forward(hidden *tensor.Tensor, mask *Mask, ropeCache *tensor.Tensor, prior *kvcache.KV, useCache bool) (*tensor.Tensor, *kvcache.KV, error) {
	if hidden.Rank() != 3 || hidden.Dim(2) != sa.cfg.Hidden {
		return nil, nil, fmt.Errorf("%w: hidden dims %v, want [seq,batch,%d]", tensor.ErrShape, hidden.Dims(), sa.cfg.Hidden)
	}

	mixed, err := sa.qkv.Forward(hidden)
	if err != nil {
		return nil, nil, err
	}

	q, k, v, err := SplitQKV(mixed, sa.cfg)
	if err != nil {
		return nil, nil, err
	}

	if ropeCache != nil {
		if q, err = rope.Apply(q, ropeCache); err != nil {
			return nil, nil, err
		}
		if k, err = rope.Apply(k, ropeCache); err != nil {
			return nil, nil, err
		}
	}

	// Canonicalize k/v to [batch, heads, keyLen, hd], replicating KV
	// groups up to the query head count in multi-query mode.
	var k4, v4 *tensor.Tensor
	if sa.cfg.MultiQuery {
		if k4, err = ExpandKVHeads(k, sa.cfg.Heads); err != nil {
			return nil, nil, err
		}
		if v4, err = ExpandKVHeads(v, sa.cfg.Heads); err != nil {
			return nil, nil, err
		}
	} else {
		if k4, err = k.Permute(1, 2, 0, 3); err != nil {
			return nil, nil, err
		}
		if v4, err = v.Permute(1, 2, 0, 3); err != nil {
			return nil, nil, err
		}
	}

	keys, values := k4, v4
	var next *kvcache.KV
	if prior != nil || useCache {
		keys, values, next, err = sa.cache.Append(k4, v4, prior)
		if err != nil {
			return nil, nil, err
		}
	}
	if !useCache {
		next = nil
	}

	ctx, err := sa.core.Attend(q, keys, values, mask)
	if err != nil {
		return nil, nil, err
	}

	out, err := sa.dense.Forward(ctx)
	if err != nil {
		return nil, nil, err
	}
	return out, next, nil
}
