package model

import (
	"math"
	"strings"

	"github.com/samcharles93/halo/internal/gguf"
)

// RopeScaling describes a context-extension transform of the rotary inverse
// frequencies. Values returned by ropeScalingFromGGUF are normalised: every
// field is positive and Type is one of linear, llama3 or yarn.
type RopeScaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
}

// ropeScalingFromGGUF reads <arch>.rope.scaling.*. Llama 3 style scaling is
// usually baked into the rope_freqs.weight tensor instead and is applied by
// the loader.
func ropeScalingFromGGUF(kv map[string]gguf.Value, arch string, ctxLen int) *RopeScaling {
	key := func(k string) string { return arch + ".rope.scaling." + k }
	typ, _ := gguf.GetString(kv, key("type"))
	rs := RopeScaling{Type: typ}
	rs.Factor, _ = gguf.GetFloat64(kv, key("factor"))
	rs.OrigMaxCtx, _ = gguf.GetInt(kv, key("original_context_length"))
	rs.AttentionFactor, _ = gguf.GetFloat64(kv, key("attn_factor"))
	rs.BetaFast, _ = gguf.GetFloat64(kv, key("yarn_beta_fast"))
	rs.BetaSlow, _ = gguf.GetFloat64(kv, key("yarn_beta_slow"))
	rs.LowFactor, _ = gguf.GetFloat64(kv, key("low_freq_factor"))
	rs.HighFactor, _ = gguf.GetFloat64(kv, key("high_freq_factor"))
	return normalizeRopeScaling(ctxLen, rs)
}

// normalizeRopeScaling fills defaults and returns nil when no scaling applies.
func normalizeRopeScaling(maxPosition int, in RopeScaling) *RopeScaling {
	out := in
	out.Type = strings.ToLower(strings.TrimSpace(in.Type))
	switch out.Type {
	case "", "default":
		if in.Factor <= 0 || in.Factor == 1 {
			return nil
		}
		out.Type = "linear"
	case "linear", "llama3", "yarn":
	default:
		return nil
	}

	if out.OrigMaxCtx <= 0 {
		out.OrigMaxCtx = max(maxPosition, 1)
	}
	out.LowFactor = positiveOr(out.LowFactor, 1)
	out.HighFactor = positiveOr(out.HighFactor, out.LowFactor)
	out.BetaFast = positiveOr(out.BetaFast, 32)
	out.BetaSlow = positiveOr(out.BetaSlow, 1)
	if out.Factor <= 0 && maxPosition > 0 {
		out.Factor = float64(maxPosition) / float64(out.OrigMaxCtx)
	}
	out.Factor = positiveOr(out.Factor, 1)
	if out.AttentionFactor <= 0 {
		out.AttentionFactor = 1
		if out.Type == "yarn" {
			out.AttentionFactor = yarnAttentionFactor(out.Factor, out.MScale, out.MScaleAllDim)
		}
	}
	return &out
}

func positiveOr(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// applyRopeFreqFactors divides each inverse frequency by the matching entry
// of a rope_freqs tensor.
func applyRopeFreqFactors(invFreq []float64, factors []float32) {
	for i := range invFreq {
		if i < len(factors) && factors[i] != 0 {
			invFreq[i] /= float64(factors[i])
		}
	}
}

// apply rescales invFreq in place and returns the attention scale to
// multiply into the rotated queries and keys. A nil receiver is a no-op.
func (rs *RopeScaling) apply(invFreq []float64, base float64) float64 {
	if rs == nil || len(invFreq) == 0 {
		return 1
	}
	if rs.Factor != 1 {
		switch rs.Type {
		case "llama3":
			rs.llama3(invFreq)
		case "yarn":
			rs.yarn(invFreq, positiveOr(base, 10_000))
		default:
			divideAll(invFreq, rs.Factor)
		}
	}
	return positiveOr(rs.AttentionFactor, 1)
}

func divideAll(invFreq []float64, factor float64) {
	for i := range invFreq {
		invFreq[i] /= factor
	}
}

// llama3 leaves short wavelengths alone, divides long ones by Factor, and
// blends linearly in the band between OrigMaxCtx/HighFactor and
// OrigMaxCtx/LowFactor.
func (rs *RopeScaling) llama3(invFreq []float64) {
	lo, hi := rs.LowFactor, rs.HighFactor
	if hi <= lo {
		divideAll(invFreq, rs.Factor)
		return
	}
	ctx := float64(rs.OrigMaxCtx)
	longest, shortest := ctx/lo, ctx/hi
	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > longest:
			invFreq[i] = f / rs.Factor
		case wavelen < shortest:
		default:
			t := (ctx/wavelen - lo) / (hi - lo)
			invFreq[i] = (1-t)*f/rs.Factor + t*f
		}
	}
}

// yarn interpolates the low frequencies and extrapolates the high ones, with
// a linear ramp across the correction range derived from BetaFast/BetaSlow.
func (rs *RopeScaling) yarn(invFreq []float64, base float64) {
	if base <= 1 {
		divideAll(invFreq, rs.Factor)
		return
	}
	dim := float64(2 * len(invFreq))
	ctx := float64(rs.OrigMaxCtx)
	correctionDim := func(rotations float64) float64 {
		n := ctx / (rotations * 2 * math.Pi)
		if n <= 0 {
			return 0
		}
		return dim * math.Log(n) / (2 * math.Log(base))
	}
	low := max(math.Floor(correctionDim(rs.BetaFast)), 0)
	high := min(math.Ceil(correctionDim(rs.BetaSlow)), dim-1)
	if low == high {
		high += 0.001
	}
	for i, f := range invFreq {
		ramp := min(max((float64(i)-low)/(high-low), 0), 1)
		invFreq[i] = f/rs.Factor*ramp + f*(1-ramp)
	}
}

func yarnMScale(scale, mul float64) float64 {
	if scale <= 1 {
		return 1
	}
	return 0.1*positiveOr(mul, 1)*math.Log(scale) + 1
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	if mscale > 0 && mscaleAllDim > 0 {
		return yarnMScale(factor, mscale) / yarnMScale(factor, mscaleAllDim)
	}
	return yarnMScale(factor, mscale)
}
