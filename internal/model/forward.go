package model

import (
	"fmt"
	"math"
	"sync"

	"github.com/samcharles93/halo/internal/device"
	"github.com/samcharles93/halo/internal/gguf"
	"github.com/samcharles93/halo/internal/logits"
	"github.com/samcharles93/halo/internal/tensor"
)

// Handle is a loaded model bound to one sequence. Methods are safe for
// concurrent use but calls are serialised.
type Handle struct {
	mu sync.Mutex

	file *gguf.File
	dev  device.Device
	cfg  Config

	embed      *tensor.Mat
	output     *tensor.Mat
	outputNorm []float32
	tiedOutput bool
	layers     []Layer

	ropeInvFreq   []float64
	ropeAttnScale float32
	maxContext    int
	// cacheLen is the number of positions the KV cache currently holds room for.
	cacheLen int

	scratch  scratchBuffers
	pos      int
	poisoned bool
	closed   bool
}

func (h *Handle) Config() Config        { return h.cfg }
func (h *Handle) Device() device.Device { return h.dev }
func (h *Handle) MaxContext() int       { return h.maxContext }
func (h *Handle) TiedOutput() bool      { return h.tiedOutput }

// CacheCapacity is the number of positions allocated in the KV cache. It
// grows with the sequence and never exceeds MaxContext.
func (h *Handle) CacheCapacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cacheLen
}

// Mapped reports whether the weights are served from a memory map.
func (h *Handle) Mapped() bool { return h.file.Mapped() }

// EOSToken reports tokenizer.ggml.eos_token_id when the container defines it.
func (h *Handle) EOSToken() (int, bool) {
	return h.cfg.EOS, h.cfg.EOS >= 0
}

// Position is the number of tokens already in the KV cache.
func (h *Handle) Position() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Reset clears the sequence so the next Forward must start at position 0.
func (h *Handle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = 0
	h.poisoned = false
}

// Close releases the container. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.layers = nil
	h.embed, h.output = nil, nil
	return h.file.Close()
}

// Forward feeds tokens at positions pos..pos+len(tokens)-1 and returns the
// next-token scores for the last of them with shape [1, vocab]. pos must
// equal the number of tokens already consumed. Inputs are checked before any
// state changes, so a rejected call leaves the cache untouched.
func (h *Handle) Forward(tokens []int, pos int) (out tensor.Tensor, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return tensor.Tensor{}, ErrClosed
	case h.poisoned:
		return tensor.Tensor{}, ErrPoisoned
	case len(tokens) == 0:
		return tensor.Tensor{}, ErrEmptyInput
	case pos != h.pos:
		return tensor.Tensor{}, fmt.Errorf("%w: got %d, cache holds %d", ErrPosition, pos, h.pos)
	case pos+len(tokens) > h.maxContext:
		return tensor.Tensor{}, fmt.Errorf("%w: %d tokens at position %d, window %d", ErrContextExceeded, len(tokens), pos, h.maxContext)
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= h.cfg.VocabSize {
			return tensor.Tensor{}, fmt.Errorf("%w: %d (vocabulary %d)", ErrTokenRange, tok, h.cfg.VocabSize)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			h.poisoned = true
			err = fmt.Errorf("forward panic at position %d: %v", h.pos, rec)
		}
	}()

	h.reserve(pos + len(tokens))
	for i, tok := range tokens {
		h.forwardToken(tok, h.pos, i == len(tokens)-1)
		h.pos++
	}

	if i := logits.CheckFinite(h.scratch.logits); i >= 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: index %d is %v", ErrNonFinite, i, h.scratch.logits[i])
	}
	scores := make([]float32, len(h.scratch.logits))
	copy(scores, h.scratch.logits)
	return tensor.New(scores, 1, len(scores))
}

// Scores is Forward reduced to the flat score vector of the last position.
func (h *Handle) Scores(tokens []int, pos int) ([]float32, error) {
	out, err := h.Forward(tokens, pos)
	if err != nil {
		return nil, err
	}
	return tensor.LastPosition(out)
}

const minCacheLen = 64

// reserve grows every layer's KV cache to hold at least n positions,
// doubling up to maxContext.
func (h *Handle) reserve(n int) {
	if n <= h.cacheLen {
		return
	}
	size := min(max(n, 2*h.cacheLen, minCacheLen), h.maxContext)
	kv := h.cfg.kvDim()
	for i := range h.layers {
		l := &h.layers[i]
		l.cacheK = growCache(l.cacheK, size*kv)
		l.cacheV = growCache(l.cacheV, size*kv)
	}
	h.scratch.scores = make([]float32, size)
	h.cacheLen = size
}

func growCache(old []float32, n int) []float32 {
	grown := make([]float32, n)
	copy(grown, old)
	return grown
}

// forwardToken runs one token through every block. The output head is only
// evaluated when wantLogits is set.
func (h *Handle) forwardToken(tok, pos int, wantLogits bool) {
	s := &h.scratch
	x := s.x
	h.embed.RowTo(x, tok)

	for i := range h.layers {
		l := &h.layers[i]
		tensor.RMSNorm(s.xn, x, l.AttnNorm, h.cfg.RMSEpsilon)
		tensor.Add(x, h.attention(l, s.xn, pos))
		tensor.RMSNorm(s.xn, x, l.FfnNorm, h.cfg.RMSEpsilon)
		tensor.Add(x, h.ffn(l, s.xn))
	}

	if !wantLogits {
		return
	}
	tensor.RMSNorm(s.xn, x, h.outputNorm, h.cfg.RMSEpsilon)
	tensor.MatVec(s.logits, h.output, s.xn)
}

func (h *Handle) attention(l *Layer, x []float32, pos int) []float32 {
	c := &h.cfg
	s := &h.scratch
	hd := c.HeadDim
	kvStride := c.kvDim()

	tensor.MatVec(s.q, l.Wq, x)
	tensor.MatVec(s.k, l.Wk, x)
	tensor.MatVec(s.v, l.Wv, x)
	addBias(s.q, l.Bq)
	addBias(s.k, l.Bk)
	addBias(s.v, l.Bv)

	tensor.ApplyRoPE(s.q, c.HeadCount, hd, pos, h.ropeInvFreq)
	tensor.ApplyRoPE(s.k, c.HeadCountKV, hd, pos, h.ropeInvFreq)
	if h.ropeAttnScale != 1 {
		scaleVec(s.q, h.ropeAttnScale)
		scaleVec(s.k, h.ropeAttnScale)
	}

	copy(l.cacheK[pos*kvStride:(pos+1)*kvStride], s.k)
	copy(l.cacheV[pos*kvStride:(pos+1)*kvStride], s.v)

	scale := float32(1 / math.Sqrt(float64(hd)))
	group := c.HeadCount / c.HeadCountKV
	scores := s.scores[:pos+1]
	clear(s.attnOut)

	for head := range c.HeadCount {
		kvOff := (head / group) * hd
		qh := s.q[head*hd : (head+1)*hd]
		for t := 0; t <= pos; t++ {
			base := t*kvStride + kvOff
			scores[t] = tensor.Dot(qh, l.cacheK[base:base+hd]) * scale
		}
		tensor.Softmax(scores)

		out := s.attnOut[head*hd : (head+1)*hd]
		for t := 0; t <= pos; t++ {
			base := t*kvStride + kvOff
			w := scores[t]
			for i, v := range l.cacheV[base : base+hd] {
				out[i] += w * v
			}
		}
	}

	tensor.MatVec(s.attnProj, l.Wo, s.attnOut)
	return s.attnProj
}

func (h *Handle) ffn(l *Layer, x []float32) []float32 {
	s := &h.scratch
	tensor.MatVec(s.ffnGate, l.FfnGate, x)
	tensor.MatVec(s.ffnUp, l.FfnUp, x)
	tensor.SiluMul(s.ffnAct, s.ffnGate, s.ffnUp)
	tensor.MatVec(s.ffnOut, l.FfnDown, s.ffnAct)
	return s.ffnOut
}

func addBias(dst, b []float32) {
	if b != nil {
		tensor.Add(dst, b)
	}
}

func scaleVec(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}
