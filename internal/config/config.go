package config

import (
	"fmt"
)

// Defaults for the growable KV cache. Growth is block-granular: capacity
// increases by AllocBlock at a time, never geometrically.
const (
	DefaultKVAllocBlock = 256
	DefaultKVAllocMin   = 512

	// DefaultMaxCacheElems bounds a single cache buffer allocation
	// (per key or value tensor). Requests beyond it fail instead of
	// taking down the process.
	DefaultMaxCacheElems = 1 << 30
)

// Config describes one attention layer partition.
type Config struct {
	Hidden   int // hidden size per partition (Heads * HeadDim)
	Heads    int // query heads per partition
	KVGroups int // key/value head groups per partition (MQA)
	HeadDim  int

	MultiQuery bool // grouped KV layout when true, uniform 3-way split otherwise

	SoftmaxHighPrecision bool    // accumulate manual-path softmax in float64
	Coeff                float32 // optional extra score scale, 0 = unset
	FusedCore            bool    // fused streaming attention kernel available

	RopeTheta float32
	RotaryDim int // rotated prefix of HeadDim, 0 = no rotary
	MaxSeqLen int

	KVAllocBlock  int
	KVAllocMin    int
	MaxCacheElems int

	DebugAttention bool
	DebugCache     bool
}

func (c *Config) Validate() error {
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Hidden != c.Heads*c.HeadDim {
		return fmt.Errorf("hidden mismatch: %d != heads(%d) * head_dim(%d)", c.Hidden, c.Heads, c.HeadDim)
	}
	if c.MultiQuery {
		if c.KVGroups <= 0 {
			return fmt.Errorf("invalid kv_groups: %d (must be positive)", c.KVGroups)
		}
		if c.KVGroups > c.Heads {
			return fmt.Errorf("invalid kv_groups: %d (must be <= heads: %d)", c.KVGroups, c.Heads)
		}
		if c.Heads%c.KVGroups != 0 {
			return fmt.Errorf("heads (%d) not divisible by kv_groups (%d)", c.Heads, c.KVGroups)
		}
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.HeadDim {
		return fmt.Errorf("invalid rotary_dim: %d (head_dim %d)", c.RotaryDim, c.HeadDim)
	}
	if c.RotaryDim%2 != 0 {
		return fmt.Errorf("invalid rotary_dim: %d (must be even)", c.RotaryDim)
	}
	if c.RotaryDim > 0 && c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if c.KVAllocBlock <= 0 {
		return fmt.Errorf("invalid kv_alloc_block: %d (must be positive)", c.KVAllocBlock)
	}
	if c.KVAllocMin < 0 {
		return fmt.Errorf("invalid kv_alloc_min: %d (must be non-negative)", c.KVAllocMin)
	}
	if c.MaxCacheElems <= 0 {
		return fmt.Errorf("invalid max_cache_elems: %d (must be positive)", c.MaxCacheElems)
	}
	if c.Coeff < 0 {
		return fmt.Errorf("invalid coeff: %f (must be non-negative)", c.Coeff)
	}
	return nil
}

// GroupSize returns the number of query heads sharing one KV group.
func (c *Config) GroupSize() int {
	if !c.MultiQuery || c.KVGroups == 0 {
		return 1
	}
	return c.Heads / c.KVGroups
}

// FusedDim returns the output width of the fused QKV projection.
func (c *Config) FusedDim() int {
	if c.MultiQuery {
		return (c.Heads + 2*c.KVGroups) * c.HeadDim
	}
	return 3 * c.Heads * c.HeadDim
}

func Default() Config {
	return Config{
		RopeTheta:     10000.0,
		MaxSeqLen:     2048,
		FusedCore:     true,
		KVAllocBlock:  DefaultKVAllocBlock,
		KVAllocMin:    DefaultKVAllocMin,
		MaxCacheElems: DefaultMaxCacheElems,
	}
}
