package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Heads = 8
	cfg.KVGroups = 2
	cfg.HeadDim = 16
	cfg.Hidden = 128
	cfg.MultiQuery = true
	cfg.RotaryDim = 8
	return cfg
}

func TestValidate(t *testing.T) {
	valid := validConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero heads", func(c *Config) { c.Heads = 0 }, "invalid heads"},
		{"zero head dim", func(c *Config) { c.HeadDim = 0 }, "invalid head_dim"},
		{"hidden mismatch", func(c *Config) { c.Hidden = 100 }, "hidden mismatch"},
		{"zero kv groups", func(c *Config) { c.KVGroups = 0 }, "invalid kv_groups"},
		{"groups over heads", func(c *Config) { c.KVGroups = 16 }, "invalid kv_groups"},
		{"indivisible groups", func(c *Config) { c.KVGroups = 3 }, "not divisible"},
		{"rotary over head dim", func(c *Config) { c.RotaryDim = 32 }, "invalid rotary_dim"},
		{"odd rotary", func(c *Config) { c.RotaryDim = 7 }, "invalid rotary_dim"},
		{"zero theta", func(c *Config) { c.RopeTheta = 0 }, "invalid rope_theta"},
		{"zero max seq", func(c *Config) { c.MaxSeqLen = 0 }, "invalid max_seq_len"},
		{"zero alloc block", func(c *Config) { c.KVAllocBlock = 0 }, "invalid kv_alloc_block"},
		{"negative alloc min", func(c *Config) { c.KVAllocMin = -1 }, "invalid kv_alloc_min"},
		{"zero cache bound", func(c *Config) { c.MaxCacheElems = 0 }, "invalid max_cache_elems"},
		{"negative coeff", func(c *Config) { c.Coeff = -1 }, "invalid coeff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUniformIgnoresGroups(t *testing.T) {
	cfg := validConfig()
	cfg.MultiQuery = false
	cfg.KVGroups = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("uniform config with zero groups rejected: %v", err)
	}
}

func TestFusedDim(t *testing.T) {
	cfg := validConfig()
	// MQA: (8 + 2*2) * 16
	if got := cfg.FusedDim(); got != 192 {
		t.Errorf("FusedDim = %d, want 192", got)
	}
	cfg.MultiQuery = false
	// Uniform: 3 * 8 * 16
	if got := cfg.FusedDim(); got != 384 {
		t.Errorf("FusedDim = %d, want 384", got)
	}
}

func TestGroupSize(t *testing.T) {
	cfg := validConfig()
	if got := cfg.GroupSize(); got != 4 {
		t.Errorf("GroupSize = %d, want 4", got)
	}
	cfg.MultiQuery = false
	if got := cfg.GroupSize(); got != 1 {
		t.Errorf("uniform GroupSize = %d, want 1", got)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.KVAllocBlock != DefaultKVAllocBlock || cfg.KVAllocMin != DefaultKVAllocMin {
		t.Errorf("allocation defaults %d/%d, want %d/%d",
			cfg.KVAllocBlock, cfg.KVAllocMin, DefaultKVAllocBlock, DefaultKVAllocMin)
	}
	if !cfg.FusedCore {
		t.Error("fused core should default on")
	}
}
