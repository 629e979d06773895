// attnprobe runs a synthetic self-attention workload: a prefill pass
// followed by incremental single-token decode steps with a carried KV
// cache, comparing the fused and manual computation paths along the way.
// Optionally serves prometheus metrics and records activations to an
// Arrow IPC file or a Flight collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/attn"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/rope"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/trace"
)

func main() {
	heads := flag.Int("heads", 8, "query heads")
	kvGroups := flag.Int("kv-groups", 2, "kv head groups (multi-query)")
	headDim := flag.Int("head-dim", 64, "head dimension")
	batch := flag.Int("batch", 1, "batch size")
	promptLen := flag.Int("prompt-len", 16, "prefill length in tokens")
	steps := flag.Int("steps", 8, "incremental decode steps")
	multiQuery := flag.Bool("multi-query", true, "grouped kv layout")
	fused := flag.Bool("fused", true, "fused streaming core available")
	coeff := flag.Float64("coeff", 0, "extra score coefficient (0 = unset)")
	seed := flag.Int64("seed", 42, "rng seed")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	logFormat := flag.String("log-format", "console", "console|json")
	metricsAddr := flag.String("metrics-addr", "", "serve /metrics on this address")
	tracePath := flag.String("trace", "", "write Arrow IPC activation trace to this file")
	flightAddr := flag.String("flight-addr", "", "publish traces to this Flight collector")
	flag.Parse()

	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("attnprobe")

	cfg := config.Default()
	cfg.Heads = *heads
	cfg.KVGroups = *kvGroups
	cfg.HeadDim = *headDim
	cfg.Hidden = *heads * *headDim
	cfg.MultiQuery = *multiQuery
	cfg.FusedCore = *fused
	cfg.Coeff = float32(*coeff)
	cfg.RotaryDim = *headDim / 2
	if cfg.RotaryDim%2 != 0 {
		cfg.RotaryDim--
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server", "err", err)
			}
		}()
	}

	var rec *trace.Recorder
	if *tracePath != "" {
		r, err := trace.NewRecorder(*tracePath)
		if err != nil {
			log.Error("trace", "err", err)
			os.Exit(1)
		}
		rec = r
		defer rec.Close()
	}

	var sink *trace.FlightSink
	if *flightAddr != "" {
		sink = trace.NewFlightSink(*flightAddr, "attnprobe")
		if err := sink.Connect(); err != nil {
			log.Error("flight", "err", err)
			os.Exit(1)
		}
		defer sink.Close()
	}

	rng := rand.New(rand.NewSource(*seed))
	qkvW := randTensor(rng, 0.05, cfg.FusedDim(), cfg.Hidden)
	denseW := randTensor(rng, 0.05, cfg.Hidden, cfg.Hidden)
	qkv, err := attn.NewLinear(qkvW, nil)
	if err != nil {
		log.Error("qkv linear", "err", err)
		os.Exit(1)
	}
	dense, err := attn.NewLinear(denseW, nil)
	if err != nil {
		log.Error("dense linear", "err", err)
		os.Exit(1)
	}

	layer, err := attn.NewSelfAttention(cfg, qkv, dense)
	if err != nil {
		log.Error("layer", "err", err)
		os.Exit(1)
	}

	ropeCache, err := rope.NewCache(cfg.MaxSeqLen, cfg.RotaryDim, cfg.RopeTheta)
	if err != nil {
		log.Error("rope", "err", err)
		os.Exit(1)
	}

	log.Info("probe start",
		"heads", cfg.Heads, "kv_groups", cfg.KVGroups, "head_dim", cfg.HeadDim,
		"prompt_len", *promptLen, "steps", *steps, "fused", cfg.FusedCore)

	// Prefill.
	prompt := randTensor(rng, 1.0, *promptLen, *batch, cfg.Hidden)
	ropeSlice, err := ropeCache.Narrow(0, 0, *promptLen)
	if err != nil {
		log.Error("rope slice", "err", err)
		os.Exit(1)
	}
	out, kv, err := layer.Forward(prompt, nil, ropeSlice, nil, true)
	if err != nil {
		log.Error("prefill", "err", err)
		os.Exit(1)
	}
	report(log, rec, sink, 0, "prefill_out", out)
	log.Info("prefill done", "cached_tokens", kv.Len(), "capacity", layer.CacheCapacity())

	// Incremental decode.
	for step := 1; step <= *steps; step++ {
		pos := *promptLen + step - 1
		token := randTensor(rng, 1.0, 1, *batch, cfg.Hidden)
		stepRope, err := ropeCache.Narrow(0, pos, 1)
		if err != nil {
			log.Error("rope slice", "err", err)
			os.Exit(1)
		}
		out, kv, err = layer.Forward(token, nil, stepRope, kv, true)
		if err != nil {
			log.Error("decode", "step", step, "err", err)
			os.Exit(1)
		}
		report(log, rec, sink, step, "decode_out", out)
	}
	log.Info("decode done", "cached_tokens", kv.Len(), "capacity", layer.CacheCapacity())

	// Dual-path comparison on the same weights, no cache.
	diff, err := comparePaths(cfg, qkv, dense, prompt, ropeSlice)
	if err != nil {
		log.Error("path comparison", "err", err)
		os.Exit(1)
	}
	log.Info("path comparison", "max_rel_diff", diff)
	fmt.Printf("fused vs manual max relative difference: %g\n", diff)
}

func report(log *logger.Logger, rec *trace.Recorder, sink *trace.FlightSink, step int, name string, t *tensor.Tensor) {
	s := trace.ComputeStats(name, t)
	log.Debug("activations", "step", step, "name", name,
		"max", s.Max, "min", s.Min, "rms", s.RMS, "nans", s.NaNs, "infs", s.Infs)
	if rec != nil {
		if err := rec.Record(step, 0, name, t); err != nil {
			log.Warn("trace record", "err", err)
		}
	}
	if sink != nil {
		if err := sink.Publish(context.Background(), step, 0, name, t); err != nil {
			log.Warn("flight publish", "err", err)
		}
	}
}

// comparePaths runs the same full-sequence forward through both cores and
// returns the maximum relative difference between the outputs.
func comparePaths(cfg config.Config, qkv, dense *attn.Linear, hidden, ropeSlice *tensor.Tensor) (float64, error) {
	run := func(fused bool) (*tensor.Tensor, error) {
		c := cfg
		c.FusedCore = fused
		layer, err := attn.NewSelfAttention(c, qkv, dense)
		if err != nil {
			return nil, err
		}
		out, _, err := layer.Forward(hidden, nil, ropeSlice, nil, false)
		return out, err
	}

	a, err := run(true)
	if err != nil {
		return 0, err
	}
	b, err := run(false)
	if err != nil {
		return 0, err
	}

	var maxDiff float64
	ad, bd := a.Data(), b.Data()
	for i := range ad {
		denom := math.Max(math.Abs(float64(bd[i])), 1e-6)
		d := math.Abs(float64(ad[i])-float64(bd[i])) / denom
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}

func randTensor(rng *rand.Rand, scale float32, dims ...int) *tensor.Tensor {
	t := tensor.New(dims...)
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return t
}
