// Package log provides structured logging for veil nodes. The logging
// subsystems (the node and publisher runtimes and the edge queue manager)
// log through a Logger scoped by a dotted module path, and 32-byte protocol identifiers
// (tags, object roots, shard ids) are rendered as short hex prefixes so a
// log line never dumps a full subscription tag.
package log

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger is a module-scoped structured logger. The zero value is not
// usable; build one with New, NewWriter, NewWithHandler, or NewFromEnv,
// or derive one from Default().
type Logger struct {
	inner  *slog.Logger
	module string
}

// defaultLogger is swapped atomically: publisher and node runtimes run on
// separate goroutines and may derive module loggers while the embedding
// process is still reconfiguring the default.
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(slog.LevelInfo))
}

// New creates a Logger that writes JSON lines to stderr at the given level.
func New(level slog.Level) *Logger {
	return NewWriter(os.Stderr, FormatJSON, level)
}

// NewWriter creates a Logger that writes to w in the given line format.
func NewWriter(w io.Writer, format Format, level slog.Level) *Logger {
	return &Logger{inner: slog.New(newLineHandler(w, format, level))}
}

// NewWithHandler creates a Logger backed by an arbitrary slog.Handler,
// for tests or custom sinks. Dotted module paths rely on the line
// handler's replace-on-rewrite attr semantics; under a foreign handler a
// re-scoped module may appear as a duplicate key.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// NewFromEnv builds a Logger from operator-facing config strings, as
// passed through env or flags: a level name (debug/info/warn/error) and a
// format name (json/text/color). Unknown names fall back to info and JSON.
func NewFromEnv(levelName, formatName string, w io.Writer) *Logger {
	return NewWriter(w, ParseFormat(formatName), ParseLevel(levelName))
}

// SetDefault replaces the process-wide default logger. Safe to call
// concurrently with Default; nil is ignored.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the current process-wide default logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// Module returns a child logger scoped one level deeper: a "bloom" child
// of the "runtime" logger reports module=runtime.bloom. The module path
// is carried as a single attribute, replaced (not duplicated) on each
// re-scope.
func (l *Logger) Module(name string) *Logger {
	path := name
	if l.module != "" {
		path = l.module + "." + name
	}
	return &Logger{
		inner:  l.inner.With(slog.String("module", path)),
		module: path,
	}
}

// With returns a child logger carrying additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...), module: l.module}
}

// ID renders a 32-byte protocol identifier (tag, object root, shard id)
// as an 8-hex-char prefix attribute. Full identifiers stay out of logs:
// a tag is a subscription secret, and eight hex chars are plenty to
// correlate lines within one trace window.
func ID(key string, id [32]byte) slog.Attr {
	return slog.String(key, hex.EncodeToString(id[:4]))
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// Debug logs at LevelDebug using the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }

// Info logs at LevelInfo using the default logger.
func Info(msg string, args ...any) { Default().Info(msg, args...) }

// Warn logs at LevelWarn using the default logger.
func Warn(msg string, args ...any) { Default().Warn(msg, args...) }

// Error logs at LevelError using the default logger.
func Error(msg string, args ...any) { Default().Error(msg, args...) }
