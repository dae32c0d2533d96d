// Package logging provides the gateway's structured logging helpers: a JSON
// logger constructor and the error attribute shape shared by every log site.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
)

// New creates a JSON logger writing to w at the given level. Unknown level
// strings fall back to info.
func New(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// Err renders an error as a {name, message, stack} group. The stack is the
// log site's, captured here; error values themselves carry none.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Group("error",
		slog.String("name", fmt.Sprintf("%T", err)),
		slog.String("message", err.Error()),
		slog.String("stack", stack(1)),
	)
}

// stack formats the calling goroutine's frames, skipping the helper itself.
func stack(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			fmt.Fprintf(&b, "%s (%s:%d)\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
