package console

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

var levelStyles = map[slog.Level]ansi.Style{
	slog.LevelDebug: ansi.Style{}.ForegroundColor(ansi.BrightBlack),
	slog.LevelInfo:  ansi.Style{}.ForegroundColor(ansi.Green),
	slog.LevelWarn:  ansi.Style{}.ForegroundColor(ansi.Yellow),
	slog.LevelError: ansi.Style{}.Bold().ForegroundColor(ansi.Red),
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Level is the minimum level logged. Defaults to slog.LevelInfo.
	Level slog.Leveler
}

// Handler is a slog.Handler that renders one line per record on a Console:
//
//	[LEVEL] message key=value key=value
//
// Unsigned integers are printed in hex since almost all of them are
// addresses or register values.
type Handler struct {
	c      *Console
	level  slog.Leveler
	attrs  string
	prefix string
}

// NewHandler returns a handler writing to c.
func NewHandler(c *Console, opts *HandlerOptions) *Handler {
	h := &Handler{c: c, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.c.write([]byte(b.String()))
	return nil
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	clone := *h
	clone.attrs = b.String()
	return &clone
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *Handler) levelTag(level slog.Level) string {
	tag := "[" + level.String() + "]"
	if !h.c.color {
		return tag
	}
	style, ok := levelStyles[closestLevel(level)]
	if !ok {
		return tag
	}
	return style.Styled(tag)
}

func closestLevel(level slog.Level) slog.Level {
	switch {
	case level >= slog.LevelError:
		return slog.LevelError
	case level >= slog.LevelWarn:
		return slog.LevelWarn
	case level >= slog.LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range group {
			appendAttr(b, prefix, ga)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindUint64:
		return "0x" + strconv.FormatUint(v.Uint64(), 16)
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " =\"") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return strconv.Quote(err.Error())
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

var _ slog.Handler = (*Handler)(nil)
