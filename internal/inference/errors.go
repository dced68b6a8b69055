package inference

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a generation failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindLoad
	KindTokenize
	KindDetokenize
	KindForward
	KindConfiguration
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:       "internal_error",
	KindLoad:          "load_error",
	KindTokenize:      "tokenize_error",
	KindDetokenize:    "detokenize_error",
	KindForward:       "forward_error",
	KindConfiguration: "configuration_error",
	KindCancelled:     "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a failure tagged with its Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinels below, so errors.Is(err, ErrForward) holds
// for every forward failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

var (
	ErrLoad          = &Error{Kind: KindLoad}
	ErrTokenize      = &Error{Kind: KindTokenize}
	ErrDetokenize    = &Error{Kind: KindDetokenize}
	ErrForward       = &Error{Kind: KindForward}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind carried by err. Context errors map to
// KindCancelled; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}
