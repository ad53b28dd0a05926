package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/c360/extmesh/affinity"
)

// TextHandler writes the runtime's default line format.
type TextHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

// NewTextHandler creates the default line formatter.
func NewTextHandler(w io.Writer, level slog.Level) *TextHandler {
	return &TextHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *TextHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle implements slog.Handler.
func (h *TextHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Time.Format("2006-01-02T15:04:05.000"))
	fmt.Fprintf(&b, " %d(%d) %s ", os.Getpid(), affinity.CurrentID(), letter(r.Level))

	if fn, file, line := sourceOf(r.PC); fn != "" {
		fmt.Fprintf(&b, "%s@%s:%d ", fn, file, line)
	}

	b.WriteString(r.Message)

	appendAttr := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

// WithGroup implements slog.Handler. Each group is recorded as a group=name
// attribute; keys are not prefixed.
func (h *TextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), slog.String("group", name))
	return &c
}

// GCPHandler writes GCP-compatible structured JSON log lines.
type GCPHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

// NewGCPHandler creates the JSON formatter.
func NewGCPHandler(w io.Writer, level slog.Level) *GCPHandler {
	return &GCPHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *GCPHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle implements slog.Handler.
func (h *GCPHandler) Handle(_ context.Context, r slog.Record) error {
	entry := map[string]any{
		"timestamp": r.Time.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		"severity":  severity(r.Level),
		"message":   r.Message,
		"pid":       os.Getpid(),
		"tid":       affinity.CurrentID(),
	}

	if fn, file, line := sourceOf(r.PC); fn != "" {
		entry["sourceLocation"] = map[string]any{
			"file":     file,
			"line":     line,
			"function": fn,
		}
	}

	put := func(a slog.Attr) bool {
		if _, reserved := entry[a.Key]; !reserved {
			entry[a.Key] = a.Value.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		put(a)
	}
	r.Attrs(put)

	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	blob = append(blob, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(blob)
	return err
}

// WithAttrs implements slog.Handler.
func (h *GCPHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *GCPHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), slog.String("group", name))
	return &c
}

// sourceOf resolves the function, file basename and line for a record PC.
func sourceOf(pc uintptr) (fn string, file string, line int) {
	if pc == 0 {
		return "", "", 0
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return "", "", 0
	}
	fn = frame.Function
	if i := strings.LastIndexByte(fn, '.'); i >= 0 {
		fn = fn[i+1:]
	}
	file = frame.File
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fn, file, frame.Line
}

// Setup builds a logger the way the runtime binaries do: level and format
// come from configuration, source locations are always recorded.
func Setup(level, format string) *slog.Logger {
	lvl := ParseLevel(level)

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json", "gcp":
		handler = NewGCPHandler(os.Stdout, lvl)
	default:
		handler = NewTextHandler(os.Stdout, lvl)
	}

	return slog.New(handler)
}
