package inference

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/halo/internal/device"
	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/model"
	"github.com/samcharles93/halo/internal/tokenizer"
)

// DefaultTokenizerPath is resolved against the working directory.
const DefaultTokenizerPath = "tokenizer.json"

// Loader opens a fresh model and tokenizer for every request. Nothing is
// cached between calls.
type Loader struct {
	TokenizerPath string
	// Selector picks the device. Nil uses the automatic preference list.
	Selector *device.Selector
	Options  model.Options
}

// Session is an exclusive model and tokenizer pair. Close must be called.
type Session struct {
	Model        *model.Handle
	Tokenizer    *tokenizer.HFTokenizer
	Device       device.Device
	LoadDuration time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Close releases the model. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.Model != nil {
			s.closeErr = s.Model.Close()
		}
	})
	return s.closeErr
}

// Open loads the tokenizer, selects a device and opens the model at
// modelPath. Every failure is an *Error; nothing stays open when Open fails.
func (l *Loader) Open(ctx context.Context, modelPath string) (*Session, error) {
	start := time.Now()
	log := logger.FromContext(ctx)

	if strings.TrimSpace(modelPath) == "" {
		return nil, newError(KindLoad, "open model", errors.New("model path is required"))
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindCancelled, "open model", err)
	}

	tokPath := l.TokenizerPath
	if tokPath == "" {
		tokPath = DefaultTokenizerPath
	}
	tok, err := tokenizer.Load(tokPath)
	if err != nil {
		return nil, newError(KindLoad, "load tokenizer", err)
	}

	sel := l.Selector
	if sel == nil {
		if sel, err = device.NewSelector(string(device.Auto), log); err != nil {
			return nil, newError(KindConfiguration, "select device", err)
		}
	}
	dev, err := sel.Select(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, "select device", err)
		}
		return nil, newError(KindConfiguration, "select device", err)
	}
	if err := l.Options.Validate(dev); err != nil {
		return nil, newError(KindConfiguration, "validate options", err)
	}

	m, err := model.Open(modelPath, dev, l.Options)
	if err != nil {
		if errors.Is(err, model.ErrConfiguration) {
			return nil, newError(KindConfiguration, "open model", err)
		}
		return nil, newError(KindLoad, "open model", err)
	}
	if err := resolveEOS(tok, m, log); err != nil {
		_ = m.Close()
		return nil, newError(KindLoad, "resolve eos", err)
	}
	if tv, mv := tok.VocabSize(), m.Config().VocabSize; tv > mv {
		log.Warn("tokenizer vocabulary larger than model", "tokenizer", tv, "model", mv)
	}

	s := &Session{
		Model:        m,
		Tokenizer:    tok,
		Device:       dev,
		LoadDuration: time.Since(start),
	}
	log.Debug("session opened",
		"model_path", modelPath,
		"device", dev.Name(),
		"arch", m.Config().Arch,
		"mapped", m.Mapped(),
		"max_context", m.MaxContext(),
		"eos", tok.EOS(),
		"load_duration", s.LoadDuration,
	)
	return s, nil
}

// Request is one generation call.
type Request struct {
	ModelPath string
	Prompt    string
	// MaxTokens zero means DefaultMaxTokens.
	MaxTokens int
	OnStep    StepFunc
}

// Generate opens a session for req, decodes greedily, and releases the
// session before returning on every path.
func (l *Loader) Generate(ctx context.Context, req Request) (*Result, error) {
	sess, err := l.Open(ctx, req.ModelPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.FromContext(ctx).Warn("release model", "model_path", req.ModelPath, "error", cerr)
		}
	}()

	loop := Loop{
		Model:     sess.Model,
		Tokenizer: sess.Tokenizer,
		MaxTokens: req.MaxTokens,
		OnStep:    req.OnStep,
	}
	res, err := loop.Run(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	res.LoadDuration = sess.LoadDuration
	return res, nil
}
