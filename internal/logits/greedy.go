// Package logits selects the next token from a score vector.
package logits

import (
	"errors"
	"math"
)

var (
	ErrEmpty     = errors.New("logits: empty score vector")
	ErrNonFinite = errors.New("logits: no finite score")
)

// Argmax returns the index of the largest score. Ties resolve to the lowest
// index and NaN entries are never selected. An all-NaN vector is an error.
func Argmax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, ErrEmpty
	}
	bestI := -1
	var bestV float32
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			continue
		}
		if bestI < 0 || v > bestV {
			bestI, bestV = i, v
		}
	}
	if bestI < 0 {
		return 0, ErrNonFinite
	}
	return bestI, nil
}

// CheckFinite reports the index of the first NaN or Inf score, or -1.
func CheckFinite(scores []float32) int {
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return i
		}
	}
	return -1
}
