package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/logits"
	"github.com/samcharles93/halo/internal/tensor"
	"github.com/samcharles93/halo/internal/tokenizer"
)

// DefaultMaxTokens bounds generation when the caller sets no limit.
const DefaultMaxTokens = 100

// Model is the single-step forward contract. tokens are the ids not yet seen
// by the model and pos is the number of ids it has already incorporated. The
// output may be [vocab], [1, vocab], [seq, vocab] or [1, seq, vocab].
type Model interface {
	Forward(tokens []int, pos int) (tensor.Tensor, error)
}

type State int

const (
	StateInit State = iota
	StateStepping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStepping:
		return "stepping"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
)

// Step describes one completed forward call.
type Step struct {
	Index    int // zero-based step number
	Position int // cursor value passed to Forward
	Consumed int // len(pending) passed to Forward
	Token    int // selected id
}

// StepFunc observes each step after the token is selected.
type StepFunc func(Step)

type Result struct {
	Text         string
	Generated    []int
	PromptTokens int
	Steps        int
	StopReason   StopReason
	Duration     time.Duration
	// LoadDuration is set by Loader.Generate to the time spent opening the session.
	LoadDuration time.Duration
}

// Loop runs greedy autoregressive decoding over one Model and Tokenizer.
// A Loop value may be reused, but Run calls must not overlap when the Model
// keeps per-sequence state.
type Loop struct {
	Model     Model
	Tokenizer tokenizer.Tokenizer
	// MaxTokens caps len(Result.Generated). Zero means DefaultMaxTokens.
	MaxTokens int
	OnStep    StepFunc
}

// decodingState is owned by a single Run call.
type decodingState struct {
	state     State
	position  int
	pending   []int
	generated []int
}

// Run encodes prompt, decodes greedily until the end-of-sequence id or
// MaxTokens, and returns the decoded text. Any failure aborts the run with no
// partial text. ctx is checked between steps.
func (l *Loop) Run(ctx context.Context, prompt string) (*Result, error) {
	start := time.Now()
	if l.Model == nil || l.Tokenizer == nil {
		return nil, newError(KindConfiguration, "run", errors.New("model and tokenizer are required"))
	}
	maxTokens := l.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	if maxTokens < 0 {
		return nil, newError(KindConfiguration, "run", fmt.Errorf("max tokens must be positive, got %d", maxTokens))
	}
	eos := l.Tokenizer.EOS()
	if eos < 0 {
		return nil, newError(KindLoad, "resolve eos", errors.New("vocabulary defines no end-of-sequence token"))
	}
	if err := ctx.Err(); err != nil {
		return nil, newError(KindCancelled, "run", err)
	}
	log := logger.FromContext(ctx)

	st := decodingState{state: StateInit}
	ids, err := safeEncode(l.Tokenizer, prompt)
	if err != nil {
		return nil, newError(KindTokenize, "encode prompt", err)
	}
	if len(ids) == 0 {
		return nil, newError(KindTokenize, "encode prompt", errors.New("prompt encodes to no tokens"))
	}
	st.pending = ids
	st.generated = make([]int, 0, min(maxTokens, 256))
	st.state = StateStepping

	stop := StopMaxTokens
	for st.state == StateStepping {
		if len(st.generated) >= maxTokens {
			st.state = StateDone
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, newError(KindCancelled, fmt.Sprintf("step %d", len(st.generated)), err)
		}

		next, err := l.step(&st)
		if err != nil {
			return nil, err
		}
		if next == eos {
			stop = StopEOS
			st.state = StateDone
		}
	}
	log.Debug("decoding finished", "steps", len(st.generated), "position", st.position, "stop_reason", stop)

	text, err := safeDecode(l.Tokenizer, st.generated)
	if err != nil {
		return nil, newError(KindDetokenize, "decode output", err)
	}
	return &Result{
		Text:         text,
		Generated:    st.generated,
		PromptTokens: len(ids),
		Steps:        len(st.generated),
		StopReason:   stop,
		Duration:     time.Since(start),
	}, nil
}

// step performs one forward call, selects the next token and advances the
// cursor by the number of ids consumed.
func (l *Loop) step(st *decodingState) (int, error) {
	index := len(st.generated)
	op := fmt.Sprintf("step %d", index)

	out, err := safeForward(l.Model, st.pending, st.position)
	if err != nil {
		return 0, newError(KindForward, op, err)
	}
	scores, err := tensor.LastPosition(out)
	if err != nil {
		return 0, newError(KindForward, op, err)
	}
	next, err := logits.Argmax(scores)
	if err != nil {
		return 0, newError(KindForward, op, err)
	}

	consumed := len(st.pending)
	pos := st.position
	st.generated = append(st.generated, next)
	st.position += consumed
	st.pending = []int{next}

	if l.OnStep != nil {
		l.OnStep(Step{Index: index, Position: pos, Consumed: consumed, Token: next})
	}
	return next, nil
}

func safeForward(m Model, tokens []int, pos int) (out tensor.Tensor, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(tokens, pos)
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids)
}
