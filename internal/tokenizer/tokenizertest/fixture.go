// Package tokenizertest writes a small SentencePiece-style tokenizer.json
// whose sixteen ids line up with the tiny models built by modeltest.
package tokenizertest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// Ids of interest in the fixture vocabulary.
const (
	Unk = 0
	BOS = 1
	EOS = 2
	Hi  = 9  // "▁hi"
	Ok  = 11 // "▁ok"
	Yo  = 15 // "▁yo"

	VocabSize = 16
)

var pieces = []string{
	"<unk>", "<s>", "</s>", "▁", "h", "i", "o", "k",
	"▁h", "▁hi", "▁o", "▁ok", "y", "!", "▁y", "▁yo",
}

// JSON returns the tokenizer.json document.
func JSON() ([]byte, error) {
	vocab := make(map[string]int, len(pieces))
	for i, p := range pieces {
		vocab[p] = i
	}
	doc := map[string]any{
		"added_tokens": []any{
			map[string]any{"id": Unk, "content": "<unk>", "special": true},
			map[string]any{"id": BOS, "content": "<s>", "special": true},
			map[string]any{"id": EOS, "content": "</s>", "special": true},
		},
		"normalizer": map[string]any{
			"type": "Sequence",
			"normalizers": []any{
				map[string]any{"type": "Prepend", "prepend": "▁"},
				map[string]any{"type": "Replace", "pattern": map[string]any{"String": " "}, "content": "▁"},
			},
		},
		"pre_tokenizer": nil,
		"post_processor": map[string]any{
			"type": "TemplateProcessing",
			"single": []any{
				map[string]any{"SpecialToken": map[string]any{"id": "<s>", "type_id": 0}},
				map[string]any{"Sequence": map[string]any{"id": "A", "type_id": 0}},
			},
		},
		"decoder": map[string]any{
			"type": "Sequence",
			"decoders": []any{
				map[string]any{"type": "Replace", "pattern": map[string]any{"String": "▁"}, "content": " "},
				map[string]any{"type": "Fuse"},
				map[string]any{"type": "Strip", "content": " ", "start": 1, "stop": 0},
			},
		},
		"model": map[string]any{
			"type":      "BPE",
			"unk_token": "<unk>",
			"vocab":     vocab,
			"merges":    []string{"▁ h", "▁h i", "▁ o", "▁o k", "▁ y", "▁y o"},
		},
	}
	return json.Marshal(doc)
}

// Write stores tokenizer.json in dir and returns its path.
func Write(tb testing.TB, dir string) string {
	tb.Helper()
	b, err := JSON()
	if err != nil {
		tb.Fatal(err)
	}
	path := filepath.Join(dir, "tokenizer.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
	return path
}
