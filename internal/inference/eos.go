package inference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/model"
	"github.com/samcharles93/halo/internal/tokenizer"
)

// legacyEOSNames are the markers conventionally stored at id 2 by
// SentencePiece-era vocabularies.
var legacyEOSNames = []string{"</s>", "<|endoftext|>", "<|end_of_text|>"}

// resolveEOS settles the end-of-sequence id for a session. The model file's
// tokenizer.ggml.eos_token_id wins over anything the tokenizer inferred; a
// vocabulary that still has none falls back to a well-known marker at id 2.
func resolveEOS(tok *tokenizer.HFTokenizer, m *model.Handle, log logger.Logger) error {
	if id, ok := m.EOSToken(); ok {
		if id != tok.EOS() {
			log.Debug("eos overridden by model metadata", "tokenizer_eos", tok.EOS(), "model_eos", id)
		}
		if err := tok.SetEOS(id); err != nil {
			return fmt.Errorf("model declares eos %d: %w", id, err)
		}
		return nil
	}
	if tok.EOS() >= 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(tok.TokenString(2)))
	for _, want := range legacyEOSNames {
		if name == want {
			return tok.SetEOS(2)
		}
	}
	return errors.New("neither the model nor the tokenizer defines an end-of-sequence token")
}
