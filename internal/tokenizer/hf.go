package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// HFTokenizer is a BPE codec built from tokenizer.json. It caches merge
// results and is not safe for concurrent use.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	skip         []bool
	added        []string
	bpeRanks     map[Pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pipe         pipeline
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
	} `json:"model"`
	Normalizer    *hfComponent `json:"normalizer"`
	PreTokenizer  *hfComponent `json:"pre_tokenizer"`
	PostProcessor *hfComponent `json:"post_processor"`
	Decoder       *hfComponent `json:"decoder"`
	AddedTokens   []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// tokenName accepts both "</s>" and {"content": "</s>"}.
type tokenName string

func (n *tokenName) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = tokenName(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*n = tokenName(obj.Content)
	return nil
}

type hfTokenizerConfig struct {
	AddBOS *bool     `json:"add_bos_token"`
	AddEOS *bool     `json:"add_eos_token"`
	BOS    tokenName `json:"bos_token"`
	EOS    tokenName `json:"eos_token"`
}

// ConfigFile is read from the directory holding tokenizer.json when present.
const ConfigFile = "tokenizer_config.json"

var (
	bosCandidates = []string{"<s>", "<|begin_of_text|>", "<|startoftext|>", "<bos>"}
	eosCandidates = []string{"</s>", "<|end_of_text|>", "<|endoftext|>", "<eos>", "<|im_end|>", "<|eot_id|>"}
)

// Load reads a tokenizer.json file and, if one sits next to it, its
// tokenizer_config.json.
func Load(path string) (*HFTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(filepath.Dir(path), ConfigFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	tok, err := LoadBytes(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tok, nil
}

// LoadBytes builds a tokenizer from tokenizer.json content and optional
// tokenizer_config.json content.
func LoadBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if t := strings.ToUpper(tj.Model.Type); t != "BPE" && t != "" {
		return nil, fmt.Errorf("%w: model type %s", ErrUnsupported, tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrUnsupported)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	encoder := make(map[string]int, maxID+1)
	decoder := make([]string, maxID+1)
	skip := make([]bool, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("%w: negative id for %q", ErrUnsupported, tok)
		}
		encoder[tok] = id
		decoder[id] = tok
	}
	added := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		if at.ID < 0 || at.Content == "" {
			continue
		}
		encoder[at.Content] = at.ID
		decoder[at.ID] = at.Content
		added = append(added, at.Content)
		skip[at.ID] = at.Special
	}
	for id, tok := range decoder {
		if isSpecialToken(tok) {
			skip[id] = true
		}
	}

	bpeRanks, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	tok := &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		skip:         skip,
		added:        longestFirst(added),
		bpeRanks:     bpeRanks,
		cache:        make(map[string][]string),
		bosID:        -1,
		eosID:        -1,
		unkID:        -1,
		ignoreMerges: tj.Model.IgnoreMerges,
	}
	tok.byteEncoder, tok.byteDecoder = bytesToUnicode()
	if err := tok.pipe.configure(tj.Normalizer, tj.PreTokenizer, tj.Decoder, tj.Model.ByteFallback); err != nil {
		return nil, err
	}
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			tok.unkID = id
		}
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
	}
	tok.resolveMarkers(cfg, tj.PostProcessor)
	for _, id := range []int{tok.bosID, tok.eosID} {
		if id >= 0 {
			tok.skip[id] = true
		}
	}
	return tok, nil
}

func parseMerges(raw []any) (map[Pair]int, error) {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for i, m := range raw {
		var p Pair
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			a, b, ok := strings.Cut(line, " ")
			if !ok || strings.Contains(b, " ") {
				return nil, fmt.Errorf("%w: merge %d %q", ErrUnsupported, i, v)
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("%w: merge %d has %d parts", ErrUnsupported, i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("%w: merge %d is not a string pair", ErrUnsupported, i)
			}
			p = Pair{A: a, B: b}
		default:
			return nil, fmt.Errorf("%w: merge %d has type %T", ErrUnsupported, i, m)
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks, nil
}

// resolveMarkers picks BOS/EOS ids from, in order: the post-processor
// template, tokenizer_config.json, and well-known marker names.
func (t *HFTokenizer) resolveMarkers(cfg hfTokenizerConfig, post *hfComponent) {
	for _, proc := range post.leaves() {
		if proc.Type != "TemplateProcessing" || len(proc.Single) == 0 {
			continue
		}
		if st := proc.Single[0].SpecialToken; st != nil {
			if id, ok := t.encoder[st.ID]; ok {
				t.bosID = id
				t.addBOS = true
			}
		}
	}
	if t.bosID < 0 && cfg.BOS != "" {
		if id, ok := t.encoder[string(cfg.BOS)]; ok {
			t.bosID = id
		}
	}
	if cfg.EOS != "" {
		if id, ok := t.encoder[string(cfg.EOS)]; ok {
			t.eosID = id
		}
	}
	if t.bosID < 0 {
		t.bosID = t.firstKnown(bosCandidates)
	}
	if t.eosID < 0 {
		t.eosID = t.firstKnown(eosCandidates)
	}
	if cfg.AddBOS != nil {
		t.addBOS = *cfg.AddBOS
	}
	if cfg.AddEOS != nil {
		t.addEOS = *cfg.AddEOS
	}
}

func (t *HFTokenizer) firstKnown(names []string) int {
	for _, n := range names {
		if id, ok := t.encoder[n]; ok {
			return id
		}
	}
	return -1
}

// Encode converts text to token ids, prepending BOS when the vocabulary asks
// for it.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)/3+2)
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for i, part := range splitSpecials(text, t.added) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		// Only a segment at the very start of the input counts as first.
		words, err := t.pipe.preTokenize(t.pipe.normalize(part.text, i == 0))
		if err != nil {
			return nil, err
		}
		for _, word := range words {
			if ids, err = t.encodeWord(ids, word); err != nil {
				return nil, err
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) encodeWord(ids []int, word string) ([]int, error) {
	if t.pipe.mode == modeByteLevel {
		word = t.byteEncode(word)
	}
	for _, piece := range t.bpe(word) {
		if id, ok := t.encoder[piece]; ok {
			ids = append(ids, id)
			continue
		}
		if t.pipe.byteFallback {
			for _, b := range []byte(piece) {
				id, ok := t.encoder[byteFallbackToken(b)]
				if !ok {
					return nil, fmt.Errorf("%w: byte 0x%02X", ErrUnknownToken, b)
				}
				ids = append(ids, id)
			}
			continue
		}
		if t.unkID >= 0 {
			ids = append(ids, t.unkID)
			continue
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownToken, piece)
	}
	return ids, nil
}

// Decode converts ids back to text. Special tokens, including BOS and EOS,
// produce no output.
func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) || t.decoder[id] == "" {
			return "", fmt.Errorf("%w: %d", ErrUnknownID, id)
		}
		if t.skip[id] {
			continue
		}
		tok := t.decoder[id]
		if t.pipe.mode == modeByteLevel {
			for _, r := range tok {
				if by, ok := t.byteDecoder[string(r)]; ok {
					b = append(b, by)
				} else {
					b = append(b, string(r)...)
				}
			}
			continue
		}
		if by, ok := parseByteFallback(tok); ok && t.pipe.byteFallback {
			b = append(b, by)
			continue
		}
		if t.pipe.replaceSpace != "" {
			tok = strings.ReplaceAll(tok, t.pipe.replaceSpace, " ")
		}
		b = append(b, tok...)
	}
	s := string(b)
	for range t.pipe.stripLeadingDecode {
		s = strings.TrimPrefix(s, " ")
	}
	return s, nil
}

func (t *HFTokenizer) BOS() int     { return t.bosID }
func (t *HFTokenizer) EOS() int     { return t.eosID }
func (t *HFTokenizer) AddBOS() bool { return t.addBOS }

// VocabSize is the number of addressable ids.
func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

// SetEOS replaces the end-of-sequence id, typically with the value declared
// by the model file.
func (t *HFTokenizer) SetEOS(id int) error {
	if id < 0 || id >= len(t.decoder) || t.decoder[id] == "" {
		return fmt.Errorf("%w: eos %d", ErrUnknownID, id)
	}
	t.eosID = id
	t.skip[id] = true
	return nil
}

// TokenString returns the vocabulary entry for id, or "".
func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	t.cache[token] = word
	return word
}
