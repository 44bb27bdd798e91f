// Package logging tees structured logs into an in-memory buffer for the
// log API.
package logging

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Spatial-NVR/watchpost/internal/ringbuf"
)

// Entry is a captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer stores the most recent log entries and fans new ones out to
// subscribers
type Buffer struct {
	mu   sync.RWMutex
	ring *ringbuf.Ring[Entry]

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewBuffer creates a buffer holding size entries
func NewBuffer(size int) *Buffer {
	return &Buffer{
		ring:        ringbuf.New[Entry](size),
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	b.ring.Push(entry)
	b.mu.Unlock()

	b.subMu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if subscriber can't keep up
		}
	}
	b.subMu.RUnlock()
}

// Filter selects entries in Recent. The zero MinLevel is info.
type Filter struct {
	MinLevel  slog.Level
	Component string
}

func (f Filter) match(e Entry) bool {
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(e.Level)); err == nil && lvl < f.MinLevel {
		return false
	}
	return true
}

// Recent returns up to n matching entries, oldest first
func (b *Buffer) Recent(n int, f Filter) []Entry {
	b.mu.RLock()
	all := b.ring.Values()
	b.mu.RUnlock()

	result := make([]Entry, 0, min(n, len(all)))
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		if f.match(all[i]) {
			result = append(result, all[i])
		}
	}
	slices.Reverse(result)
	return result
}

// Subscribe creates a channel that receives new entries
func (b *Buffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.subMu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.subMu.Unlock()
}

// StreamHandler is a slog handler that captures records into a Buffer and
// forwards them to a JSON handler
type StreamHandler struct {
	buffer   *Buffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
	groups   []string
}

// NewStreamHandler creates a handler writing JSON to w. Pass a *slog.LevelVar
// to change the level at runtime.
func NewStreamHandler(buffer *Buffer, w io.Writer, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	var component string

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	collect := func(a slog.Attr, key string) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		attrs[key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		collect(a, a.Key)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a, prefix+a.Key)
		return true
	})

	entry := Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
	}
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	h.buffer.Add(entry)

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    append(slices.Clone(h.attrs), attrs...),
		groups:   h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
		groups:   append(slices.Clone(h.groups), name),
	}
}

// ParseLevel converts a config level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
