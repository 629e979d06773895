package attn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/rope"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func fillRand(rng *rand.Rand, tensors ...*tensor.Tensor) {
	for _, ten := range tensors {
		data := ten.Data()
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.2
		}
	}
}

func layerWeights(t *testing.T, rng *rand.Rand, cfg config.Config) (*Linear, *Linear) {
	t.Helper()
	qkvW := tensor.New(cfg.FusedDim(), cfg.Hidden)
	qkvB := tensor.New(cfg.FusedDim())
	denseW := tensor.New(cfg.Hidden, cfg.Hidden)
	fillRand(rng, qkvW, qkvB, denseW)

	qkv, err := NewLinear(qkvW, qkvB)
	if err != nil {
		t.Fatalf("NewLinear(qkv) failed: %v", err)
	}
	dense, err := NewLinear(denseW, nil)
	if err != nil {
		t.Fatalf("NewLinear(dense) failed: %v", err)
	}
	return qkv, dense
}

func TestLinearForward(t *testing.T) {
	w, _ := tensor.FromSlice([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	b, _ := tensor.FromSlice([]float32{10, 20, 30}, 3)
	lin, err := NewLinear(w, b)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}

	x, _ := tensor.FromSlice([]float32{1, 2, 3, 4}, 2, 1, 2)
	y, err := lin.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	want := []float32{11, 22, 33, 13, 24, 37}
	for i, v := range want {
		if y.Data()[i] != v {
			t.Errorf("y[%d] = %f, want %f", i, y.Data()[i], v)
		}
	}

	bad := tensor.New(2, 1, 3)
	if _, err := lin.Forward(bad); !errors.Is(err, tensor.ErrShape) {
		t.Errorf("expected ErrShape for input dim mismatch, got %v", err)
	}
}

func TestNewLinearValidation(t *testing.T) {
	if _, err := NewLinear(nil, nil); !errors.Is(err, tensor.ErrShape) {
		t.Errorf("expected ErrShape for nil weight, got %v", err)
	}
	w := tensor.New(3, 2)
	b := tensor.New(2) // bias must match out features, 3
	if _, err := NewLinear(w, b); !errors.Is(err, tensor.ErrShape) {
		t.Errorf("expected ErrShape for bias mismatch, got %v", err)
	}
}

func TestNewSelfAttentionValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	cfg := uniformConfig(2, 8)
	qkv, dense := layerWeights(t, rng, cfg)

	if _, err := NewSelfAttention(cfg, nil, dense); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for nil qkv, got %v", err)
	}

	bad := cfg
	bad.Hidden = 17
	if _, err := NewSelfAttention(bad, qkv, dense); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for inconsistent hidden, got %v", err)
	}

	wrongW := tensor.New(cfg.FusedDim()+1, cfg.Hidden)
	wrongQKV, err := NewLinear(wrongW, nil)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	if _, err := NewSelfAttention(cfg, wrongQKV, dense); !errors.Is(err, tensor.ErrShape) {
		t.Errorf("expected ErrShape for wrong qkv width, got %v", err)
	}
}

func TestForwardPrefill(t *testing.T) {
	rng := rand.New(rand.NewSource(43))
	cfg := uniformConfig(2, 8)
	qkv, dense := layerWeights(t, rng, cfg)
	layer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}

	seq, batch := 3, 1
	hidden := tensor.New(seq, batch, cfg.Hidden)
	fillRand(rng, hidden)

	out, kv, err := layer.Forward(hidden, nil, nil, nil, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	checkDims(t, "out", out, []int{seq, batch, cfg.Hidden})
	checkDims(t, "kv.K", kv.K, []int{batch, cfg.Heads, seq, cfg.HeadDim})
	checkDims(t, "kv.V", kv.V, []int{batch, cfg.Heads, seq, cfg.HeadDim})

	wantCap := config.DefaultKVAllocMin + config.DefaultKVAllocBlock
	if layer.CacheCapacity() != wantCap {
		t.Errorf("cache capacity %d, want %d", layer.CacheCapacity(), wantCap)
	}
}

func TestForwardIncrementalStep(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	cfg := uniformConfig(2, 8)
	qkv, dense := layerWeights(t, rng, cfg)
	layer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}

	prompt := tensor.New(3, 1, cfg.Hidden)
	fillRand(rng, prompt)
	_, kv, err := layer.Forward(prompt, nil, nil, nil, true)
	if err != nil {
		t.Fatalf("prefill failed: %v", err)
	}
	capAfterPrefill := layer.CacheCapacity()

	token := tensor.New(1, 1, cfg.Hidden)
	fillRand(rng, token)
	out, kv2, err := layer.Forward(token, nil, nil, kv, true)
	if err != nil {
		t.Fatalf("decode step failed: %v", err)
	}
	checkDims(t, "out", out, []int{1, 1, cfg.Hidden})
	if kv2.Len() != 4 {
		t.Errorf("handle len %d, want 4", kv2.Len())
	}
	if layer.CacheCapacity() != capAfterPrefill {
		t.Errorf("capacity changed %d -> %d on a step within bounds", capAfterPrefill, layer.CacheCapacity())
	}
}

func TestForwardNoCacheReturnsNilHandle(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	cfg := uniformConfig(2, 8)
	qkv, dense := layerWeights(t, rng, cfg)
	layer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}

	hidden := tensor.New(2, 1, cfg.Hidden)
	fillRand(rng, hidden)
	_, kv, err := layer.Forward(hidden, nil, nil, nil, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if kv != nil {
		t.Errorf("expected nil handle with caching off, got len %d", kv.Len())
	}
}

func TestForwardMultiQuery(t *testing.T) {
	rng := rand.New(rand.NewSource(59))
	cfg := mqaConfig(4, 2, 8)
	qkv, dense := layerWeights(t, rng, cfg)
	layer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}

	seq := 3
	hidden := tensor.New(seq, 1, cfg.Hidden)
	fillRand(rng, hidden)
	out, kv, err := layer.Forward(hidden, nil, nil, nil, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	checkDims(t, "out", out, []int{seq, 1, cfg.Hidden})
	// The cache stores keys already broadcast to the full query head count.
	checkDims(t, "kv.K", kv.K, []int{1, cfg.Heads, seq, cfg.HeadDim})
}

// TestIncrementalMatchesFull decodes a sequence one token at a time against
// the cache and checks each step reproduces the corresponding row of a
// single full-sequence pass, rotary embeddings included.
func TestIncrementalMatchesFull(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	cfg := uniformConfig(2, 8)
	cfg.RotaryDim = 8
	qkv, dense := layerWeights(t, rng, cfg)

	seq := 4
	hidden := tensor.New(seq, 1, cfg.Hidden)
	fillRand(rng, hidden)

	ropeCache, err := rope.NewCache(cfg.MaxSeqLen, cfg.RotaryDim, cfg.RopeTheta)
	if err != nil {
		t.Fatalf("rope.NewCache failed: %v", err)
	}

	fullLayer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}
	full, _, err := fullLayer.Forward(hidden, nil, ropeCache, nil, true)
	if err != nil {
		t.Fatalf("full pass failed: %v", err)
	}

	stepLayer, err := NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		t.Fatalf("NewSelfAttention failed: %v", err)
	}
	var kv *kvcache.KV
	for pos := 0; pos < seq; pos++ {
		token, err := hidden.Narrow(0, pos, 1)
		if err != nil {
			t.Fatalf("Narrow failed: %v", err)
		}
		slice, err := ropeCache.Narrow(0, pos, 1)
		if err != nil {
			t.Fatalf("rope Narrow failed: %v", err)
		}
		var step *tensor.Tensor
		step, kv, err = stepLayer.Forward(token, nil, slice, kv, true)
		if err != nil {
			t.Fatalf("decode step %d failed: %v", pos, err)
		}
		if kv.Len() != pos+1 {
			t.Fatalf("handle len %d after step %d, want %d", kv.Len(), pos, pos+1)
		}
		for d := 0; d < cfg.Hidden; d++ {
			got := float64(step.At(0, 0, d))
			want := float64(full.At(pos, 0, d))
			if math.Abs(got-want) > 1e-3 {
				t.Fatalf("step %d feature %d: incremental %f vs full %f", pos, d, got, want)
			}
		}
	}
}
