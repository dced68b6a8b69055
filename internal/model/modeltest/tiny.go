// Package modeltest writes tiny llama-layout GGUF models for tests.
package modeltest

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/samcharles93/halo/internal/gguf"
	"github.com/samcharles93/halo/internal/gguf/gguftest"
)

type Spec struct {
	Arch    string
	Vocab   int
	Embd    int
	Heads   int
	KVHeads int
	FFN     int
	Layers  int
	Context int
	Seed    uint64

	// Favour, when >= 0, zeroes every block's contribution to the residual
	// stream and points the output head at one token, so greedy decoding picks
	// that token at every step.
	Favour int
	// EOS is written as tokenizer.ggml.eos_token_id when >= 0.
	EOS int
	// Tied omits output.weight so the embedding doubles as the head.
	Tied bool
	// Biases adds q/k/v bias vectors.
	Biases bool
	// Omit leaves the named tensors out of the container.
	Omit []string
	// Extra metadata appended after the generated keys.
	Extra []gguftest.KV
	// Weights encodes every 2D tensor. F32 (the zero value), F16 and Q8_0
	// are supported; Q8_0 needs Embd and FFN to be multiples of 32.
	Weights gguf.TensorType
}

// Default is a two-layer grouped-query model with a 16 token vocabulary.
func Default() Spec {
	return Spec{
		Arch:    "llama",
		Vocab:   16,
		Embd:    8,
		Heads:   2,
		KVHeads: 1,
		FFN:     12,
		Layers:  2,
		Context: 32,
		Seed:    7,
		Favour:  -1,
		EOS:     -1,
	}
}

// Build returns the metadata and tensors described by s.
func Build(s Spec) ([]gguftest.KV, []gguftest.Tensor) {
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	fill := func(n int, scale float32) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = (rng.Float32()*2 - 1) * scale
		}
		return v
	}
	constant := func(n int, c float32) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = c
		}
		return v
	}
	favour := s.Favour >= 0

	headDim := s.Embd / s.Heads
	kvDim := s.KVHeads * headDim

	kvs := []gguftest.KV{
		{Key: "general.architecture", Value: s.Arch},
		{Key: "general.name", Value: "tiny-" + s.Arch},
		{Key: s.Arch + ".context_length", Value: uint32(s.Context)},
		{Key: s.Arch + ".embedding_length", Value: uint32(s.Embd)},
		{Key: s.Arch + ".block_count", Value: uint32(s.Layers)},
		{Key: s.Arch + ".feed_forward_length", Value: uint32(s.FFN)},
		{Key: s.Arch + ".attention.head_count", Value: uint32(s.Heads)},
		{Key: s.Arch + ".attention.head_count_kv", Value: uint32(s.KVHeads)},
		{Key: s.Arch + ".attention.layer_norm_rms_epsilon", Value: float32(1e-5)},
		{Key: s.Arch + ".rope.freq_base", Value: float32(10000)},
	}
	if s.EOS >= 0 {
		kvs = append(kvs, gguftest.KV{Key: "tokenizer.ggml.eos_token_id", Value: uint32(s.EOS)})
	}
	kvs = append(kvs, s.Extra...)

	var ts []gguftest.Tensor
	add := func(name string, vals []float32, dims ...uint64) {
		if slices.Contains(s.Omit, name) {
			return
		}
		ts = append(ts, gguftest.F32(name, vals, dims...))
	}
	encode := gguftest.F32
	switch s.Weights {
	case gguf.TypeF16:
		encode = gguftest.F16
	case gguf.TypeQ8_0:
		encode = gguftest.Q8_0
	}
	addMat := func(name string, vals []float32, rows, cols int) {
		if slices.Contains(s.Omit, name) {
			return
		}
		ts = append(ts, encode(name, vals, uint64(cols), uint64(rows)))
	}
	mat := func(name string, rows, cols int, zero bool) {
		vals := fill(rows*cols, 0.5)
		if zero {
			vals = make([]float32, rows*cols)
		}
		addMat(name, vals, rows, cols)
	}

	embd := fill(s.Vocab*s.Embd, 1)
	if favour {
		embd = constant(s.Vocab*s.Embd, 1)
	}
	addMat("token_embd.weight", embd, s.Vocab, s.Embd)
	add("output_norm.weight", constant(s.Embd, 1), uint64(s.Embd))
	if !s.Tied {
		head := fill(s.Vocab*s.Embd, 0.5)
		if favour {
			head = make([]float32, s.Vocab*s.Embd)
			copy(head[s.Favour*s.Embd:], constant(s.Embd, 1))
		}
		addMat("output.weight", head, s.Vocab, s.Embd)
	}

	for i := range s.Layers {
		name := func(n string) string { return fmt.Sprintf("blk.%d.%s", i, n) }
		add(name("attn_norm.weight"), constant(s.Embd, 1), uint64(s.Embd))
		mat(name("attn_q.weight"), s.Heads*headDim, s.Embd, false)
		mat(name("attn_k.weight"), kvDim, s.Embd, false)
		mat(name("attn_v.weight"), kvDim, s.Embd, false)
		mat(name("attn_output.weight"), s.Embd, s.Heads*headDim, favour)
		if s.Biases {
			add(name("attn_q.bias"), fill(s.Heads*headDim, 0.1), uint64(s.Heads*headDim))
			add(name("attn_k.bias"), fill(kvDim, 0.1), uint64(kvDim))
			add(name("attn_v.bias"), fill(kvDim, 0.1), uint64(kvDim))
		}
		add(name("ffn_norm.weight"), constant(s.Embd, 1), uint64(s.Embd))
		mat(name("ffn_gate.weight"), s.FFN, s.Embd, false)
		mat(name("ffn_up.weight"), s.FFN, s.Embd, false)
		mat(name("ffn_down.weight"), s.Embd, s.FFN, favour)
	}
	return kvs, ts
}

// Write encodes s to path and fails the test on error.
func Write(tb testing.TB, path string, s Spec) {
	tb.Helper()
	kvs, ts := Build(s)
	gguftest.Write(tb, path, kvs, ts)
}
