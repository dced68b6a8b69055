package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	return blas32.Dot(
		blas32.Vector{N: len(a), Data: a, Inc: 1},
		blas32.Vector{N: len(a), Data: b, Inc: 1},
	)
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	scale := float32(1.0 / math.Sqrt(mean+float64(eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Silu computes the Sigmoid Linear Unit activation.
func Silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// SiluMul computes dst[i] = Silu(gate[i]) * up[i].
func SiluMul(dst, gate, up []float32) {
	for i := range dst {
		dst[i] = Silu(gate[i]) * up[i]
	}
}

// RoPEFreqs returns the inverse frequencies for a head of size headDim.
func RoPEFreqs(headDim int, base float64) []float64 {
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates adjacent pairs of every head in x by pos*invFreq.
// headDim must be even.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for h := range nHead {
		base := h * headDim
		for i := range headDim / 2 {
			sin, cos := math.Sincos(float64(pos) * invFreq[i])
			c, s := float32(cos), float32(sin)
			i0 := base + 2*i
			x0, x1 := x[i0], x[i0+1]
			x[i0] = x0*c - x1*s
			x[i0+1] = x0*s + x1*c
		}
	}
}
