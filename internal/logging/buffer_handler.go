package logging

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// BufferHandler is a slog.Handler writing flattened records to a RingBuffer.
// The "module" attribute becomes Entry.Module; nested groups are flattened to
// dotted keys.
type BufferHandler struct {
	buffer *RingBuffer
	level  slog.Leveler
	module string
	attrs  map[string]any
	groups []string
}

// NewBufferHandler creates a handler writing to buffer.
func NewBufferHandler(buffer *RingBuffer, level slog.Leveler) *BufferHandler {
	return &BufferHandler{
		buffer: buffer,
		level:  level,
		module: "app",
		attrs:  map[string]any{},
	}
}

// Enabled implements slog.Handler.
func (h *BufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	module := h.module
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && len(h.groups) == 0 {
			module = a.Value.String()
			return true
		}
		flatten(attrs, h.groups, a)
		return true
	})

	entry := Entry{
		Time:    r.Time,
		Level:   levelToString(r.Level),
		Module:  module,
		Message: r.Message,
	}
	if len(attrs) > 0 {
		entry.Attributes = attrs
	}
	h.buffer.Write(entry)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, a := range attrs {
		if a.Key == "module" && len(h.groups) == 0 {
			clone.module = a.Value.String()
			continue
		}
		flatten(clone.attrs, clone.groups, a)
	}
	return clone
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *BufferHandler) clone() *BufferHandler {
	attrs := make(map[string]any, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	return &BufferHandler{
		buffer: h.buffer,
		level:  h.level,
		module: h.module,
		attrs:  attrs,
		groups: append([]string(nil), h.groups...),
	}
}

func flatten(out map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		nested := append(append([]string(nil), groups...), a.Key)
		for _, ga := range a.Value.Group() {
			flatten(out, nested, ga)
		}
	case slog.KindTime:
		out[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		out[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			out[key] = err.Error()
		} else {
			out[key] = a.Value.Any()
		}
	default:
		out[key] = a.Value.Any()
	}
}
