// Package tokenizer converts between text and token ids using a Hugging Face
// tokenizer.json vocabulary.
package tokenizer

import "errors"

var (
	ErrUnsupported  = errors.New("tokenizer: unsupported configuration")
	ErrUnknownToken = errors.New("tokenizer: piece not in vocabulary")
	ErrUnknownID    = errors.New("tokenizer: token id out of range")
)

// Tokenizer is the text codec used by the decoding loop. EOS and BOS return
// -1 when the vocabulary does not define the marker.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	BOS() int
	EOS() int
}
