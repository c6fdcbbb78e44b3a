package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	SetOutput(os.Stdout)
}

// SetOutput replaces the destination of all log lines.
func SetOutput(w io.Writer) {
	logger.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// SetLevel accepts debug, info, warn or error; anything else means info.
func SetLevel(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// With returns a Fields set that is merged into every call made through it.
func With(fields map[string]any) Fields { return Fields(fields) }

// Fields carries context such as the session id.
type Fields map[string]any

// With returns f extended by fields; f is left unchanged.
func (f Fields) With(fields map[string]any) Fields { return Fields(merge(f, fields)) }

func (f Fields) Info(msg string, fields map[string]any)  { Log(slog.LevelInfo, msg, merge(f, fields)) }
func (f Fields) Warn(msg string, fields map[string]any)  { Log(slog.LevelWarn, msg, merge(f, fields)) }
func (f Fields) Error(msg string, fields map[string]any) { Log(slog.LevelError, msg, merge(f, fields)) }
func (f Fields) Debug(msg string, fields map[string]any) { Log(slog.LevelDebug, msg, merge(f, fields)) }

func Log(lvl slog.Level, msg string, fields map[string]any) {
	l := logger.Load()
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func Info(msg string, fields map[string]any)  { Log(slog.LevelInfo, msg, fields) }
func Warn(msg string, fields map[string]any)  { Log(slog.LevelWarn, msg, fields) }
func Error(msg string, fields map[string]any) { Log(slog.LevelError, msg, fields) }
func Debug(msg string, fields map[string]any) { Log(slog.LevelDebug, msg, fields) }

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
