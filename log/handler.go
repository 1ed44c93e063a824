package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Format selects how a lineHandler renders records. All three formats are
// produced by the same handler from the same attr state, so switching an
// operator from json to color never changes which fields a line carries.
type Format int

const (
	// FormatJSON renders one JSON object per line, for collectors.
	FormatJSON Format = iota
	// FormatText renders a compact aligned line, for foreground runs.
	FormatText
	// FormatColor renders FormatText with an ANSI-colored level tag, for
	// interactive terminals.
	FormatColor
)

// ParseFormat parses an operator-facing format name. Unrecognised names
// return FormatJSON so a typo in a deployment env var degrades to the
// machine-readable default rather than to silence.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText
	case "color":
		return FormatColor
	default:
		return FormatJSON
	}
}

// ParseLevel parses an operator-facing level name onto slog's level scale.
// Unrecognised names return LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelTag returns the fixed-width level code used by the text formats.
func levelTag(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DBG"
	case l < slog.LevelWarn:
		return "INF"
	case l < slog.LevelError:
		return "WRN"
	default:
		return "ERR"
	}
}

// levelName returns the full lowercase level name used by the JSON format.
func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// ANSI escapes for the colored level tag.
const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiCyan  = "\033[36m"
	ansiAmber = "\033[33m"
	ansiRed   = "\033[31m"
)

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return ansiDim
	case l < slog.LevelWarn:
		return ansiCyan
	case l < slog.LevelError:
		return ansiAmber
	default:
		return ansiRed
	}
}

// textTimeLayout keeps foreground lines narrow; collectors that need the
// date use FormatJSON, which stamps full RFC3339.
const textTimeLayout = "15:04:05.000"

// lineHandler is the slog.Handler behind every Logger this package
// constructs. Rewriting an attr key (as Logger.Module does when it
// re-scopes the dotted module path) replaces the previous value instead
// of appending a duplicate, and the module attr is pulled out of the
// field list and rendered in its own [bracketed] slot in the text formats.
type lineHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	format Format
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func newLineHandler(w io.Writer, format Format, level slog.Level) *lineHandler {
	return &lineHandler{mu: &sync.Mutex{}, w: w, format: format, level: level}
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		if i := attrIndex(next.attrs, a.Key); i >= 0 {
			next.attrs[i] = a
		} else {
			next.attrs = append(next.attrs, a)
		}
	}
	return &next
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func attrIndex(attrs []slog.Attr, key string) int {
	for i, a := range attrs {
		if a.Key == key {
			return i
		}
	}
	return -1
}

func (h *lineHandler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.qualify(a.Key)
		if i := attrIndex(attrs, a.Key); i >= 0 {
			attrs[i] = a
		} else {
			attrs = append(attrs, a)
		}
		return true
	})

	var line string
	switch h.format {
	case FormatText:
		line = h.renderText(r, attrs, false)
	case FormatColor:
		line = h.renderText(r, attrs, true)
	default:
		line = h.renderJSON(r, attrs)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *lineHandler) renderJSON(r slog.Record, attrs []slog.Attr) string {
	obj := make(map[string]any, 3+len(attrs))
	if !r.Time.IsZero() {
		obj["time"] = r.Time.Format(time.RFC3339Nano)
	}
	obj["level"] = levelName(r.Level)
	obj["msg"] = r.Message
	for _, a := range attrs {
		obj[a.Key] = a.Value.Resolve().Any()
	}

	data, err := json.Marshal(obj)
	if err != nil {
		// A field value that cannot marshal must not lose the line.
		data, _ = json.Marshal(map[string]any{
			"level": levelName(r.Level),
			"msg":   r.Message,
			"err":   "unmarshalable log fields",
		})
	}
	return string(data)
}

func (h *lineHandler) renderText(r slog.Record, attrs []slog.Attr, color bool) string {
	var b strings.Builder
	if !r.Time.IsZero() {
		b.WriteString(r.Time.Format(textTimeLayout))
		b.WriteByte(' ')
	}
	if color {
		b.WriteString(levelColor(r.Level))
		b.WriteString(levelTag(r.Level))
		b.WriteString(ansiReset)
	} else {
		b.WriteString(levelTag(r.Level))
	}

	fields := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == "module" {
			b.WriteString(" [")
			b.WriteString(a.Value.String())
			b.WriteByte(']')
			continue
		}
		fields = append(fields, a)
	}

	b.WriteByte(' ')
	b.WriteString(r.Message)

	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	for _, a := range fields {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", a.Value.Resolve().Any()))
	}
	return b.String()
}
