// Package attn implements the attention computation pipeline: fused QKV
// projection split, multi-query head expansion, the dual-path attention
// core, and the self-attention layer orchestrating them around the KV cache.
package attn

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// ErrConfig is returned for head/group layout errors (indivisible counts,
// invalid configuration).
var ErrConfig = errors.New("config error")

// SplitQKV splits the fused projection output [seq, batch, fusedDim] into
// query, key and value tensors.
//
// Multi-query mode splits into unequal parts heads*hd | groups*hd |
// groups*hd and reshapes to [seq, batch, heads, hd] for the query and
// [seq, batch, groups, hd] for key/value. Uniform mode reshapes to
// [seq, batch, heads, 3*hd] and splits the last axis in three.
func SplitQKV(mixed *tensor.Tensor, cfg config.Config) (q, k, v *tensor.Tensor, err error) {
	if mixed.Rank() != 3 {
		metrics.RecordShapeError("split")
		return nil, nil, nil, fmt.Errorf("%w: fused projection rank %d, want 3", tensor.ErrShape, mixed.Rank())
	}
	seq, batch, fused := mixed.Dim(0), mixed.Dim(1), mixed.Dim(2)
	if fused != cfg.FusedDim() {
		metrics.RecordShapeError("split")
		return nil, nil, nil, fmt.Errorf("%w: fused dim %d, want %d", tensor.ErrShape, fused, cfg.FusedDim())
	}

	hd := cfg.HeadDim
	if cfg.MultiQuery {
		parts, serr := mixed.SplitLast(cfg.Heads*hd, cfg.KVGroups*hd, cfg.KVGroups*hd)
		if serr != nil {
			metrics.RecordShapeError("split")
			return nil, nil, nil, serr
		}
		if q, err = parts[0].Reshape(seq, batch, cfg.Heads, hd); err != nil {
			return nil, nil, nil, err
		}
		if k, err = parts[1].Reshape(seq, batch, cfg.KVGroups, hd); err != nil {
			return nil, nil, nil, err
		}
		if v, err = parts[2].Reshape(seq, batch, cfg.KVGroups, hd); err != nil {
			return nil, nil, nil, err
		}
		return q, k, v, nil
	}

	wide, err := mixed.Reshape(seq, batch, cfg.Heads, 3*hd)
	if err != nil {
		metrics.RecordShapeError("split")
		return nil, nil, nil, err
	}
	parts, err := wide.SplitLast(hd, hd, hd)
	if err != nil {
		metrics.RecordShapeError("split")
		return nil, nil, nil, err
	}
	return parts[0], parts[1], parts[2], nil
}

// ExpandKVHeads permutes k/v [keyLen, batch, groups, hd] to
// [batch, groups, keyLen, hd] and replicates each group heads/groups times,
// producing [batch, heads, keyLen, hd]. Every query head in a group sees an
// identical key/value tensor.
func ExpandKVHeads(x *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: kv expand rank %d, want 4", tensor.ErrShape, x.Rank())
	}
	keyLen, batch, groups, hd := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if groups <= 0 || heads%groups != 0 {
		return nil, fmt.Errorf("%w: %d heads not divisible into %d kv groups", ErrConfig, heads, groups)
	}
	groupSize := heads / groups

	perm, err := x.Permute(1, 2, 0, 3) // [batch, groups, keyLen, hd]
	if err != nil {
		return nil, err
	}

	out := tensor.New(batch, heads, keyLen, hd)
	src := perm.Data()
	dst := out.Data()
	groupBlock := keyLen * hd
	for b := 0; b < batch; b++ {
		for g := 0; g < groups; g++ {
			block := src[(b*groups+g)*groupBlock : (b*groups+g+1)*groupBlock]
			for r := 0; r < groupSize; r++ {
				h := g*groupSize + r
				copy(dst[(b*heads+h)*groupBlock:(b*heads+h+1)*groupBlock], block)
			}
		}
	}
	return out, nil
}
