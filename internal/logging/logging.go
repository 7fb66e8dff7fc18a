// Package logging wires log/slog for the recorder. Package-level loggers
// are created with L at init time and follow whatever handler Init installs
// later.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Structured field keys shared by every component.
const (
	KeyComponent  = "component"
	KeySessionID  = "sessionId"
	KeyTaskID     = "taskId"
	KeyFilename   = "filename"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// output is the swappable destination shared by every logger.
type output struct {
	mu      sync.RWMutex
	handler slog.Handler
}

func (o *output) get() slog.Handler {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.handler
}

func (o *output) set(h slog.Handler) {
	o.mu.Lock()
	o.handler = h
	o.mu.Unlock()
}

// step is one WithAttrs or WithGroup call, replayed in order onto the
// current handler.
type step struct {
	group string
	attrs []slog.Attr
}

type deferredHandler struct {
	out   *output
	steps []step
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := h.out.get()
	for _, s := range h.steps {
		if s.group != "" {
			handler = handler.WithGroup(s.group)
		} else {
			handler = handler.WithAttrs(s.attrs)
		}
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= levelVar.Level()
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) with(s step) *deferredHandler {
	steps := make([]step, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)
	return &deferredHandler{out: h.out, steps: append(steps, s)}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(step{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(step{group: name})
}

var (
	levelVar = new(slog.LevelVar)
	root     = &output{handler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})}
	base     = slog.New(&deferredHandler{out: root})
)

func init() {
	slog.SetDefault(base)
}

// Init installs the configured handler. format is "json" or "text"; a nil
// writer means stderr.
func Init(format, level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	levelVar.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		root.set(slog.NewJSONHandler(w, opts))
	} else {
		root.set(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(base)
}

// SetLevel changes the level of every logger without reinstalling the
// handler.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// L returns the logger for a component.
func L(component string) *slog.Logger {
	return base.With(slog.String(KeyComponent, component))
}

func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySessionID, sessionID))
}

func WithTask(logger *slog.Logger, taskID uint64, filename string) *slog.Logger {
	return logger.With(slog.Uint64(KeyTaskID, taskID), slog.String(KeyFilename, filename))
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the root logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return base
}

// ParseLevel maps a config string to a slog level, defaulting to info.
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
