package tokenizer

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
	"golang.org/x/text/unicode/norm"
)

// gpt2Pattern is the ByteLevel pre-tokenizer split used when no explicit
// Split pattern is configured.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type mode int

const (
	modeSentencePiece mode = iota
	modeByteLevel
)

// hfComponent is any normalizer, pre-tokenizer, post-processor or decoder
// entry in tokenizer.json. Sequence entries nest further components.
type hfComponent struct {
	Type          string         `json:"type"`
	Normalizers   []*hfComponent `json:"normalizers"`
	Pretokenizers []*hfComponent `json:"pretokenizers"`
	Processors    []*hfComponent `json:"processors"`
	Decoders      []*hfComponent `json:"decoders"`
	Pattern       struct {
		Regex  string `json:"Regex"`
		String string `json:"String"`
	} `json:"pattern"`
	Content        string `json:"content"`
	Prepend        string `json:"prepend"`
	Replacement    string `json:"replacement"`
	PrependScheme  string `json:"prepend_scheme"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	UseRegex       *bool  `json:"use_regex"`
	Split          *bool  `json:"split"`
	Start          int    `json:"start"`
	Single         []struct {
		SpecialToken *struct {
			ID string `json:"id"`
		} `json:"SpecialToken"`
	} `json:"single"`
}

func (c *hfComponent) leaves() []*hfComponent {
	if c == nil {
		return nil
	}
	var kids []*hfComponent
	kids = append(kids, c.Normalizers...)
	kids = append(kids, c.Pretokenizers...)
	kids = append(kids, c.Processors...)
	kids = append(kids, c.Decoders...)
	if len(kids) == 0 {
		return []*hfComponent{c}
	}
	var out []*hfComponent
	for _, k := range kids {
		out = append(out, k.leaves()...)
	}
	return out
}

// pipeline holds the text transforms applied around BPE.
type pipeline struct {
	mode mode

	forms     []norm.Form
	lowercase bool
	// replaceSpace substitutes " " before BPE and is reverted on decode.
	replaceSpace string
	// prefix is prepended to each non-special segment.
	prefix             string
	prefixIfMissing    bool
	prefixFirstOnly    bool
	byteLevelPrefix    bool
	splitOnPrefix      bool
	pattern            *regexp2.Regexp
	byteFallback       bool
	stripLeadingDecode int
}

func (p *pipeline) configure(normalizer, pre, decoder *hfComponent, byteFallback bool) error {
	p.byteFallback = byteFallback
	for _, c := range normalizer.leaves() {
		switch c.Type {
		case "NFC":
			p.forms = append(p.forms, norm.NFC)
		case "NFD":
			p.forms = append(p.forms, norm.NFD)
		case "NFKC":
			p.forms = append(p.forms, norm.NFKC)
		case "NFKD":
			p.forms = append(p.forms, norm.NFKD)
		case "Lowercase":
			p.lowercase = true
		case "Prepend":
			p.prefix = c.Prepend
		case "Replace":
			if c.Pattern.String != " " {
				return fmt.Errorf("%w: normalizer Replace %q", ErrUnsupported, c.Pattern.String)
			}
			p.replaceSpace = c.Content
		case "Sequence", "":
		default:
			return fmt.Errorf("%w: normalizer %s", ErrUnsupported, c.Type)
		}
	}

	var split string
	for _, c := range pre.leaves() {
		switch c.Type {
		case "ByteLevel":
			p.mode = modeByteLevel
			if c.AddPrefixSpace != nil && *c.AddPrefixSpace {
				p.byteLevelPrefix = true
			}
			if split == "" && (c.UseRegex == nil || *c.UseRegex) {
				split = gpt2Pattern
			}
		case "Split":
			switch {
			case c.Pattern.Regex != "":
				split = c.Pattern.Regex
			case c.Pattern.String != "":
				split = regexp2.Escape(c.Pattern.String)
			}
		case "Metaspace":
			r := c.Replacement
			if r == "" {
				r = "▁"
			}
			p.replaceSpace = r
			p.splitOnPrefix = c.Split == nil || *c.Split
			switch c.PrependScheme {
			case "never":
			case "first":
				p.prefix, p.prefixIfMissing, p.prefixFirstOnly = r, true, true
			default:
				if c.PrependScheme == "always" || c.AddPrefixSpace == nil || *c.AddPrefixSpace {
					p.prefix, p.prefixIfMissing = r, true
				}
			}
		case "Sequence", "":
		default:
			return fmt.Errorf("%w: pre-tokenizer %s", ErrUnsupported, c.Type)
		}
	}
	if split != "" {
		re, err := regexp2.Compile(split, regexp2.None)
		if err != nil {
			return fmt.Errorf("compile pre-tokenizer pattern: %w", err)
		}
		p.pattern = re
	}

	for _, c := range decoder.leaves() {
		switch c.Type {
		case "ByteLevel":
			p.mode = modeByteLevel
		case "ByteFallback":
			p.byteFallback = true
		case "Strip":
			if c.Content == " " || c.Content == "" {
				p.stripLeadingDecode = c.Start
			}
		case "Metaspace":
			if c.PrependScheme != "never" {
				p.stripLeadingDecode = 1
			}
			if p.replaceSpace == "" {
				p.replaceSpace = c.Replacement
			}
		}
	}
	return nil
}

// normalize applies the normalizer chain to one non-special segment. first
// is set only for a segment that begins at input offset 0.
func (p *pipeline) normalize(s string, first bool) string {
	for _, f := range p.forms {
		s = f.String(s)
	}
	if p.lowercase {
		s = strings.ToLower(s)
	}
	if p.mode == modeByteLevel && p.byteLevelPrefix && first && !strings.HasPrefix(s, " ") {
		s = " " + s
	}
	if p.replaceSpace != "" {
		s = strings.ReplaceAll(s, " ", p.replaceSpace)
	}
	if p.prefix != "" && (first || !p.prefixFirstOnly) {
		if !p.prefixIfMissing || !strings.HasPrefix(s, p.prefix) {
			s = p.prefix + s
		}
	}
	return s
}

// preTokenize splits a normalized segment into words that BPE merges never cross.
func (p *pipeline) preTokenize(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	if p.pattern != nil {
		return splitIsolated(p.pattern, s)
	}
	if p.splitOnPrefix && p.replaceSpace != "" {
		var out []string
		for {
			i := strings.Index(s[1:], p.replaceSpace)
			if i < 0 {
				return append(out, s), nil
			}
			out = append(out, s[:i+1])
			s = s[i+1:]
		}
	}
	return []string{s}, nil
}

// splitIsolated returns every match of re together with the unmatched gaps
// between them, in order. regexp2 reports offsets in runes.
func splitIsolated(re *regexp2.Regexp, s string) ([]string, error) {
	runes := []rune(s)
	var out []string
	last := 0
	m, err := re.FindRunesMatch(runes)
	for m != nil && err == nil {
		if m.Index > last {
			out = append(out, string(runes[last:m.Index]))
		}
		if m.Length > 0 {
			out = append(out, string(runes[m.Index:m.Index+m.Length]))
		}
		last = m.Index + m.Length
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	if last < len(runes) {
		out = append(out, string(runes[last:]))
	}
	return out, nil
}
