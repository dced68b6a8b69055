package logger

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiAmber = "\033[33m"
	ansiCyan  = "\033[36m"
)

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	Level slog.Leveler
	// NoColor drops ANSI escapes, for logs redirected to a file.
	NoColor bool
}

// PrettyHandler writes one human-oriented line per record:
//
//	15:04:05.000 INF model loaded path=/m.gguf layers=22
//
// Handlers derived through WithAttrs and WithGroup share the writer lock.
type PrettyHandler struct {
	opts   PrettyOptions
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	pre    []byte
}

// NewPrettyHandler creates a PrettyHandler. A nil opts logs at Info with colour.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if !r.Time.IsZero() {
		buf = h.paint(buf, ansiDim, r.Time.AppendFormat(nil, "15:04:05.000"))
		buf = append(buf, ' ')
	}
	tag, colour := levelTag(r.Level)
	buf = h.paint(buf, colour, []byte(tag))
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		c.pre = h.appendAttr(c.pre, h.prefix, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *PrettyHandler) paint(buf []byte, colour string, text []byte) []byte {
	if h.opts.NoColor || colour == "" {
		return append(buf, text...)
	}
	buf = append(buf, colour...)
	buf = append(buf, text...)
	return append(buf, ansiReset...)
}

func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, prefix, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = h.paint(buf, ansiDim, []byte(prefix+a.Key+"="))
	var val []byte
	switch a.Value.Kind() {
	case slog.KindString:
		val = appendMaybeQuoted(nil, a.Value.String())
	case slog.KindTime:
		val = a.Value.Time().AppendFormat(nil, time.RFC3339)
	case slog.KindDuration:
		val = []byte(a.Value.Duration().String())
	default:
		if err, ok := a.Value.Any().(error); ok {
			return h.paint(buf, ansiRed, appendMaybeQuoted(nil, err.Error()))
		}
		val = appendMaybeQuoted(nil, a.Value.String())
	}
	return append(buf, val...)
}

func levelTag(l slog.Level) (string, string) {
	switch {
	case l >= slog.LevelError:
		return "ERR", ansiRed
	case l >= slog.LevelWarn:
		return "WRN", ansiAmber
	case l >= slog.LevelInfo:
		return "INF", ansiGreen
	default:
		return "DBG", ansiCyan
	}
}

func appendMaybeQuoted(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == '"' || c == '=' || unicode.IsSpace(c) || !unicode.IsPrint(c) {
			return true
		}
	}
	return false
}
