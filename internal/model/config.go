package model

import (
	"fmt"
	"slices"

	"github.com/samcharles93/halo/internal/gguf"
)

// supportedArchs share the llama block layout. qwen2 adds q/k/v biases.
var supportedArchs = []string{"llama", "mistral", "qwen2"}

// Config holds the hyperparameters read from GGUF metadata.
type Config struct {
	Arch          string
	VocabSize     int
	Embd          int
	Layers        int
	HeadCount     int
	HeadCountKV   int
	HeadDim       int
	FFNLength     int
	ContextLength int
	RMSEpsilon    float32
	RopeBase      float64
	RopeDim       int
	RopeScaling   *RopeScaling

	BOS int // -1 when absent
	EOS int // -1 when absent
}

func (c Config) kvDim() int { return c.HeadCountKV * c.HeadDim }

// ConfigFromGGUF reads and validates the hyperparameters of f.
func ConfigFromGGUF(f *gguf.File) (Config, error) {
	arch := f.Architecture()
	if !slices.Contains(supportedArchs, arch) {
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
	key := func(k string) string { return arch + "." + k }
	required := func(k string) (int, error) {
		v, ok := gguf.GetInt(f.KV, key(k))
		if !ok || v <= 0 {
			return 0, fmt.Errorf("metadata %s missing or invalid", key(k))
		}
		return v, nil
	}

	cfg := Config{Arch: arch, BOS: -1, EOS: -1}
	var err error
	if cfg.Embd, err = required("embedding_length"); err != nil {
		return Config{}, err
	}
	if cfg.Layers, err = required("block_count"); err != nil {
		return Config{}, err
	}
	if cfg.HeadCount, err = required("attention.head_count"); err != nil {
		return Config{}, err
	}
	if cfg.FFNLength, err = required("feed_forward_length"); err != nil {
		return Config{}, err
	}
	cfg.HeadCountKV = cfg.HeadCount
	if v, ok := gguf.GetInt(f.KV, key("attention.head_count_kv")); ok && v > 0 {
		cfg.HeadCountKV = v
	}
	if cfg.Embd%cfg.HeadCount != 0 {
		return Config{}, fmt.Errorf("embedding length %d not divisible by %d heads", cfg.Embd, cfg.HeadCount)
	}
	if cfg.HeadCount%cfg.HeadCountKV != 0 {
		return Config{}, fmt.Errorf("%d heads not divisible by %d kv heads", cfg.HeadCount, cfg.HeadCountKV)
	}
	cfg.HeadDim = cfg.Embd / cfg.HeadCount
	if cfg.HeadDim%2 != 0 {
		return Config{}, fmt.Errorf("head dimension %d is odd", cfg.HeadDim)
	}

	cfg.ContextLength = 2048
	if v, ok := gguf.GetInt(f.KV, key("context_length")); ok && v > 0 {
		cfg.ContextLength = v
	}
	cfg.RMSEpsilon = 1e-5
	if v, ok := gguf.GetFloat64(f.KV, key("attention.layer_norm_rms_epsilon")); ok && v > 0 {
		cfg.RMSEpsilon = float32(v)
	}
	cfg.RopeBase = 10_000
	if v, ok := gguf.GetFloat64(f.KV, key("rope.freq_base")); ok && v > 0 {
		cfg.RopeBase = v
	}
	cfg.RopeDim = cfg.HeadDim
	if v, ok := gguf.GetInt(f.KV, key("rope.dimension_count")); ok && v > 0 {
		if v != cfg.HeadDim {
			return Config{}, fmt.Errorf("partial rotary dimension %d (head dim %d) not supported", v, cfg.HeadDim)
		}
	}
	cfg.RopeScaling = ropeScalingFromGGUF(f.KV, arch, cfg.ContextLength)

	if v, ok := gguf.GetInt(f.KV, key("vocab_size")); ok && v > 0 {
		cfg.VocabSize = v
	} else if toks, ok := gguf.GetArray[string](f.KV, "tokenizer.ggml.tokens"); ok {
		cfg.VocabSize = len(toks)
	}
	if v, ok := gguf.GetInt(f.KV, "tokenizer.ggml.bos_token_id"); ok {
		cfg.BOS = v
	}
	if v, ok := gguf.GetInt(f.KV, "tokenizer.ggml.eos_token_id"); ok {
		cfg.EOS = v
	}
	return cfg, nil
}
