package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// sentencePieceJSON is a Llama-2 style tokenizer.json: ▁ word markers,
// byte fallback and a BOS template.
func sentencePieceJSON(t *testing.T) []byte {
	t.Helper()
	vocab := map[string]int{"<unk>": 0, "<s>": 1, "</s>": 2}
	next := 3
	add := func(s string) {
		if _, ok := vocab[s]; !ok {
			vocab[s] = next
			next++
		}
	}
	for b := range 256 {
		add(byteFallbackToken(byte(b)))
	}
	add("▁")
	for c := '!'; c <= '~'; c++ {
		add(string(c))
	}
	merges := []string{"▁ H", "l l", "ll o", "▁H e", "▁He llo"}
	for _, m := range []string{"▁H", "ll", "llo", "▁He", "▁Hello"} {
		add(m)
	}
	doc := map[string]any{
		"added_tokens": []any{
			map[string]any{"id": 0, "content": "<unk>", "special": true},
			map[string]any{"id": 1, "content": "<s>", "special": true},
			map[string]any{"id": 2, "content": "</s>", "special": true},
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
				map[string]any{"type": "ByteFallback"},
				map[string]any{"type": "Fuse"},
				map[string]any{"type": "Strip", "content": " ", "start": 1, "stop": 0},
			},
		},
		"model": map[string]any{
			"type":          "BPE",
			"unk_token":     "<unk>",
			"byte_fallback": true,
			"vocab":         vocab,
			"merges":        merges,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// byteLevelJSON is a GPT-2 style tokenizer.json over the 256 byte symbols.
func byteLevelJSON(t *testing.T, split string) []byte {
	t.Helper()
	enc, _ := bytesToUnicode()
	vocab := make(map[string]int, 270)
	for b := range 256 {
		vocab[enc[byte(b)]] = b
	}
	merges := [][]string{{"h", "e"}, {"l", "l"}, {"he", "ll"}, {"hell", "o"}, {"Ġ", "w"}}
	for i, m := range []string{"he", "ll", "hell", "hello", "Ġw"} {
		vocab[m] = 256 + i
	}
	vocab["<|endoftext|>"] = 300
	pre := map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": true}
	if split != "" {
		pre = map[string]any{
			"type": "Sequence",
			"pretokenizers": []any{
				map[string]any{"type": "Split", "pattern": map[string]any{"Regex": split}, "behavior": "Isolated"},
				map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": false},
			},
		}
	}
	doc := map[string]any{
		"added_tokens":  []any{map[string]any{"id": 300, "content": "<|endoftext|>", "special": true}},
		"normalizer":    nil,
		"pre_tokenizer": pre,
		"decoder":       map[string]any{"type": "ByteLevel"},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": merges,
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustLoad(t *testing.T, data []byte, cfg []byte) *HFTokenizer {
	t.Helper()
	tok, err := LoadBytes(data, cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return tok
}

func TestSentencePieceEncode(t *testing.T) {
	t.Parallel()

	tok := mustLoad(t, sentencePieceJSON(t), nil)
	if tok.BOS() != 1 || tok.EOS() != 2 || !tok.AddBOS() {
		t.Fatalf("markers: bos=%d eos=%d addBOS=%v", tok.BOS(), tok.EOS(), tok.AddBOS())
	}
	ids, err := tok.Encode("Hello")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, tok.encoder["▁Hello"]}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaspacePrependFirstOnlyAtInputStart(t *testing.T) {
	t.Parallel()

	var doc map[string]any
	if err := json.Unmarshal(sentencePieceJSON(t), &doc); err != nil {
		t.Fatal(err)
	}
	doc["normalizer"] = nil
	doc["pre_tokenizer"] = map[string]any{
		"type":           "Metaspace",
		"replacement":    "▁",
		"prepend_scheme": "first",
		"split":          false,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	tok := mustLoad(t, data, nil)

	tests := []struct {
		text string
		want []string
	}{
		{"Hello", []string{"<s>", "▁Hello"}},
		{"</s>Hello", []string{"<s>", "</s>", "H", "e", "llo"}},
		{"Hello</s>Hello", []string{"<s>", "▁Hello", "</s>", "H", "e", "llo"}},
	}
	for _, tt := range tests {
		ids, err := tok.Encode(tt.text)
		if err != nil {
			t.Fatalf("%q: %v", tt.text, err)
		}
		want := make([]int, len(tt.want))
		for i, p := range tt.want {
			want[i] = tok.encoder[p]
		}
		if diff := cmp.Diff(want, ids); diff != "" {
			t.Errorf("%q ids mismatch (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Hello",
		"Hello world",
		"The quick brown fox jumps over the lazy dog.",
		"a  b   c",
		"tabs\tand\nnewlines\r\n",
		"punctuation: {}[]()<>!?@#$%^&*~`'\"\\|/",
		"0123456789",
		"",
	}
	tokenizers := map[string]*HFTokenizer{
		"sentencepiece": mustLoad(t, sentencePieceJSON(t), nil),
		"bytelevel":     mustLoad(t, byteLevelJSON(t, ""), nil),
	}
	for name, tok := range tokenizers {
		for _, in := range inputs {
			ids, err := tok.Encode(in)
			if err != nil {
				t.Fatalf("%s: encode %q: %v", name, in, err)
			}
			got, err := tok.Decode(ids)
			if err != nil {
				t.Fatalf("%s: decode %q: %v", name, in, err)
			}
			if got != in {
				t.Errorf("%s: round trip %q -> %v -> %q", name, in, ids, got)
			}
		}
	}
}

func TestByteFallbackRoundTripsNonASCII(t *testing.T) {
	t.Parallel()

	tok := mustLoad(t, sentencePieceJSON(t), nil)
	in := "héllo wörld ✓"
	ids, err := tok.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tok.Decode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if got != in {
		t.Fatalf("got %q want %q", got, in)
	}
}

func TestDecodeSkipsMarkers(t *testing.T) {
	t.Parallel()

	tok := mustLoad(t, sentencePieceJSON(t), nil)
	hello := tok.encoder["▁Hello"]
	got, err := tok.Decode([]int{1, hello, 2})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello" {
		t.Fatalf("got %q", got)
	}
	if got, _ := tok.Decode([]int{2}); got != "" {
		t.Fatalf("eos alone decoded to %q", got)
	}
}

func TestByteLevelEncode(t *testing.T) {
	t.Parallel()

	tok := mustLoad(t, byteLevelJSON(t, ""), nil)
	if tok.BOS() != -1 || tok.AddBOS() {
		t.Fatalf("byte-level fixture has no BOS, got %d", tok.BOS())
	}
	if tok.EOS() != 300 {
		t.Fatalf("eos = %d", tok.EOS())
	}
	ids, err := tok.Encode("hello world<|endoftext|>")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{tok.encoder["hello"], tok.encoder["Ġw"], 'o', 'r', 'l', 'd', 300}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Fatalf("decoded %q", text)
	}
}

func TestSplitPatternWithLookahead(t *testing.T) {
	t.Parallel()

	const llama3 = `(?i:'s|'t|'re|'ve|'m|'ll|'d)|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	tok := mustLoad(t, byteLevelJSON(t, llama3), nil)
	words, err := tok.pipe.preTokenize("Hello  world 12345")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Hello", " ", " world", " ", "123", "45"}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}
	ids, err := tok.Encode("Hello  world 12345")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := tok.Decode(ids); got != "Hello  world 12345" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestConfigOverridesMarkers(t *testing.T) {
	t.Parallel()

	cfg := []byte(`{"add_bos_token": false, "add_eos_token": true, "eos_token": {"content": "</s>"}}`)
	tok := mustLoad(t, sentencePieceJSON(t), cfg)
	ids, err := tok.Encode("Hello")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{tok.encoder["▁Hello"], 2}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestSetEOS(t *testing.T) {
	t.Parallel()

	tok := mustLoad(t, sentencePieceJSON(t), nil)
	h := tok.encoder["H"]
	if err := tok.SetEOS(h); err != nil {
		t.Fatal(err)
	}
	if tok.EOS() != h {
		t.Fatalf("eos = %d", tok.EOS())
	}
	if got, _ := tok.Decode([]int{h}); got != "" {
		t.Fatalf("new eos must be hidden, got %q", got)
	}
	if err := tok.SetEOS(tok.VocabSize()); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}

func TestEncodeDecodeErrors(t *testing.T) {
	t.Parallel()

	// No unk token and no byte fallback: unseen bytes cannot be encoded.
	doc := []byte(`{"model":{"type":"BPE","vocab":{"a":0,"b":1},"merges":[]}}`)
	tok := mustLoad(t, doc, nil)
	if _, err := tok.Encode("abc"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if _, err := tok.Decode([]int{0, 7}); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
	if _, err := tok.Decode([]int{-1}); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("expected ErrUnknownID, got %v", err)
	}
}

func TestLoadBytesRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not-json":       `{"model":`,
		"wordpiece":      `{"model":{"type":"WordPiece","vocab":{"a":0}}}`,
		"empty-vocab":    `{"model":{"type":"BPE","vocab":{},"merges":[]}}`,
		"bad-merge":      `{"model":{"type":"BPE","vocab":{"a":0},"merges":["a b c"]}}`,
		"bad-normalizer": `{"normalizer":{"type":"BertNormalizer"},"model":{"type":"BPE","vocab":{"a":0},"merges":[]}}`,
	}
	for name, doc := range cases {
		if _, err := LoadBytes([]byte(doc), nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadReadsSiblingConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tokenizer.json")
	if err := os.WriteFile(path, sentencePieceJSON(t), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(`{"add_bos_token": false}`), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AddBOS() {
		t.Fatal("sibling config should disable BOS")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "tokenizer.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestParseByteFallback(t *testing.T) {
	t.Parallel()

	for b := range 256 {
		got, ok := parseByteFallback(byteFallbackToken(byte(b)))
		if !ok || got != byte(b) {
			t.Fatalf("byte %d: got %d ok=%v", b, got, ok)
		}
	}
	for _, s := range []string{"<0x>", "<0xZZ>", "0x41", "<0x411>"} {
		if _, ok := parseByteFallback(s); ok {
			t.Errorf("%q should not parse", s)
		}
	}
}
