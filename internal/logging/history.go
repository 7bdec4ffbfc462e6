package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one record kept in the log history.
type Entry struct {
	Time       time.Time
	Level      slog.Level
	Module     string
	Message    string
	Attributes map[string]any
}

// History keeps the most recent records in a fixed-size ring.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

// NewHistory creates a history holding at most size entries.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{entries: make([]Entry, size)}
}

// Add stores e, dropping the oldest entry when full.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.count < len(h.entries) {
		h.count++
	}
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Recent returns up to limit of the newest entries accepted by match, oldest
// first. A nil match accepts everything; limit <= 0 means no limit.
func (h *History) Recent(limit int, match func(Entry) bool) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var picked []Entry
	for i := 0; i < h.count; i++ {
		if limit > 0 && len(picked) == limit {
			break
		}
		// walk backwards from the newest entry
		idx := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		if match == nil || match(h.entries[idx]) {
			picked = append(picked, h.entries[idx])
		}
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// historyHandler records into a History. The module attribute becomes
// Entry.Module, everything else is flattened with dotted group keys.
type historyHandler struct {
	history *History
	level   slog.Leveler
	module  string
	attrs   map[string]any
	groups  []string
}

func newHistoryHandler(history *History, level slog.Leveler) *historyHandler {
	return &historyHandler{history: history, level: level}
}

func (h *historyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *historyHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Module:  h.module,
		Message: r.Message,
	}

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && len(h.groups) == 0 {
			e.Module = a.Value.String()
			return true
		}
		flattenAttr(attrs, h.groups, a)
		return true
	})
	if len(attrs) > 0 {
		e.Attributes = attrs
	}

	h.history.Add(e)
	return nil
}

func (h *historyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		clone.attrs[k] = v
	}
	for _, a := range attrs {
		if a.Key == "module" && len(h.groups) == 0 {
			clone.module = a.Value.String()
			continue
		}
		flattenAttr(clone.attrs, h.groups, a)
	}
	return &clone
}

func (h *historyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func flattenAttr(dst map[string]any, groups []string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		inner := groups
		if a.Key != "" {
			inner = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range v.Group() {
			flattenAttr(dst, inner, ga)
		}
		return
	}

	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch v.Kind() {
	case slog.KindTime:
		dst[key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		dst[key] = v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			dst[key] = err.Error()
		} else {
			dst[key] = v.Any()
		}
	default:
		dst[key] = v.Any()
	}
}
