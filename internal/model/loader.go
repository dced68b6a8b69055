package model

import (
	"errors"
	"fmt"

	"github.com/samcharles93/halo/internal/device"
	"github.com/samcharles93/halo/internal/gguf"
	"github.com/samcharles93/halo/internal/tensor"
)

// Layer holds the weights and KV cache of one transformer block.
type Layer struct {
	AttnNorm   []float32
	Wq, Wk, Wv *tensor.Mat
	Bq, Bk, Bv []float32
	Wo         *tensor.Mat

	FfnNorm []float32
	FfnGate *tensor.Mat
	FfnUp   *tensor.Mat
	FfnDown *tensor.Mat

	cacheK []float32
	cacheV []float32
}

type scratchBuffers struct {
	x        []float32
	xn       []float32
	q        []float32
	k        []float32
	v        []float32
	attnOut  []float32
	attnProj []float32
	scores   []float32
	ffnGate  []float32
	ffnUp    []float32
	ffnAct   []float32
	ffnOut   []float32
	logits   []float32
}

// Open loads the model at path for execution on dev. The container is
// closed before Open returns on failure.
func Open(path string, dev device.Device, opts Options) (*Handle, error) {
	if err := opts.Validate(dev); err != nil {
		return nil, err
	}
	f, err := gguf.OpenWith(path, gguf.Options{Mmap: opts.UseMmap})
	if err != nil {
		return nil, err
	}
	h, err := load(f, dev, opts)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

func load(f *gguf.File, dev device.Device, opts Options) (*Handle, error) {
	cfg, err := ConfigFromGGUF(f)
	if err != nil {
		return nil, err
	}
	h := &Handle{file: f, dev: dev, cfg: cfg}

	if h.embed, err = loadMat(f, "token_embd.weight", 0, cfg.Embd); err != nil {
		return nil, err
	}
	if cfg.VocabSize == 0 {
		cfg.VocabSize = h.embed.R
		h.cfg.VocabSize = h.embed.R
	}
	if h.embed.R != cfg.VocabSize {
		return nil, fmt.Errorf("%w: token_embd.weight has %d rows, vocabulary is %d", ErrBadShape, h.embed.R, cfg.VocabSize)
	}
	if h.outputNorm, err = loadVec(f, "output_norm.weight", cfg.Embd); err != nil {
		return nil, err
	}
	h.output, err = loadMat(f, "output.weight", cfg.VocabSize, cfg.Embd)
	switch {
	case errors.Is(err, ErrMissingTensor):
		h.output = h.embed
		h.tiedOutput = true
	case err != nil:
		return nil, err
	}

	qDim := cfg.HeadCount * cfg.HeadDim
	kvDim := cfg.kvDim()
	h.layers = make([]Layer, cfg.Layers)
	for i := range h.layers {
		if err := loadLayer(f, &h.layers[i], i, cfg, qDim, kvDim); err != nil {
			return nil, err
		}
	}

	h.maxContext = min(cfg.ContextLength, DefaultMaxContext)
	if opts.MaxContext > 0 {
		h.maxContext = min(cfg.ContextLength, opts.MaxContext)
	}

	if err := h.initRoPE(f); err != nil {
		return nil, err
	}
	h.initScratch()
	return h, nil
}

func loadLayer(f *gguf.File, l *Layer, i int, cfg Config, qDim, kvDim int) error {
	name := func(s string) string { return fmt.Sprintf("blk.%d.%s", i, s) }
	var err error
	if l.AttnNorm, err = loadVec(f, name("attn_norm.weight"), cfg.Embd); err != nil {
		return err
	}
	if l.Wq, err = loadMat(f, name("attn_q.weight"), qDim, cfg.Embd); err != nil {
		return err
	}
	if l.Wk, err = loadMat(f, name("attn_k.weight"), kvDim, cfg.Embd); err != nil {
		return err
	}
	if l.Wv, err = loadMat(f, name("attn_v.weight"), kvDim, cfg.Embd); err != nil {
		return err
	}
	if l.Wo, err = loadMat(f, name("attn_output.weight"), cfg.Embd, qDim); err != nil {
		return err
	}
	if l.Bq, err = loadOptionalVec(f, name("attn_q.bias"), qDim); err != nil {
		return err
	}
	if l.Bk, err = loadOptionalVec(f, name("attn_k.bias"), kvDim); err != nil {
		return err
	}
	if l.Bv, err = loadOptionalVec(f, name("attn_v.bias"), kvDim); err != nil {
		return err
	}
	if l.FfnNorm, err = loadVec(f, name("ffn_norm.weight"), cfg.Embd); err != nil {
		return err
	}
	if l.FfnGate, err = loadMat(f, name("ffn_gate.weight"), cfg.FFNLength, cfg.Embd); err != nil {
		return err
	}
	if l.FfnUp, err = loadMat(f, name("ffn_up.weight"), cfg.FFNLength, cfg.Embd); err != nil {
		return err
	}
	if l.FfnDown, err = loadMat(f, name("ffn_down.weight"), cfg.Embd, cfg.FFNLength); err != nil {
		return err
	}
	return nil
}

// loadMat reads a 2D tensor. A zero rows argument accepts any row count.
func loadMat(f *gguf.File, name string, rows, cols int) (*tensor.Mat, error) {
	if _, ok := f.TensorByName(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	m, err := tensor.LoadGGUFMat(f, name)
	if err != nil {
		return nil, err
	}
	if (rows > 0 && m.R != rows) || m.C != cols {
		return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrBadShape, name, m.R, m.C, rows, cols)
	}
	return m, nil
}

func loadVec(f *gguf.File, name string, n int) ([]float32, error) {
	if _, ok := f.TensorByName(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTensor, name)
	}
	v, err := tensor.LoadGGUFVec(f, name)
	if err != nil {
		return nil, err
	}
	if len(v) != n {
		return nil, fmt.Errorf("%w: %s has %d elements, want %d", ErrBadShape, name, len(v), n)
	}
	return v, nil
}

func loadOptionalVec(f *gguf.File, name string, n int) ([]float32, error) {
	v, err := loadVec(f, name, n)
	if errors.Is(err, ErrMissingTensor) {
		return nil, nil
	}
	return v, err
}

func (h *Handle) initRoPE(f *gguf.File) error {
	invFreq := tensor.RoPEFreqs(h.cfg.HeadDim, h.cfg.RopeBase)
	h.ropeAttnScale = 1
	if _, ok := f.TensorByName("rope_freqs.weight"); ok {
		factors, err := loadVec(f, "rope_freqs.weight", len(invFreq))
		if err != nil {
			return err
		}
		applyRopeFreqFactors(invFreq, factors)
	} else {
		h.ropeAttnScale = float32(h.cfg.RopeScaling.apply(invFreq, h.cfg.RopeBase))
	}
	h.ropeInvFreq = invFreq
	return nil
}

func (h *Handle) initScratch() {
	c := h.cfg
	qDim := c.HeadCount * c.HeadDim
	kv := c.kvDim()
	h.scratch = scratchBuffers{
		x:        make([]float32, c.Embd),
		xn:       make([]float32, c.Embd),
		q:        make([]float32, qDim),
		k:        make([]float32, kv),
		v:        make([]float32, kv),
		attnOut:  make([]float32, qDim),
		attnProj: make([]float32, c.Embd),
		ffnGate:  make([]float32, c.FFNLength),
		ffnUp:    make([]float32, c.FFNLength),
		ffnAct:   make([]float32, c.FFNLength),
		ffnOut:   make([]float32, c.Embd),
		logits:   make([]float32, c.VocabSize),
	}
}
