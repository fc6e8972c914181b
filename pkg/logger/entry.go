package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogEntry is one JSON log line. Component and Conversation are lifted out of
// Fields so pipelines can filter by relay stage and shard by chat.
type LogEntry struct {
	Level        string         `json:"level"`
	Timestamp    string         `json:"timestamp"`
	Component    string         `json:"component,omitempty"`
	Conversation string         `json:"conversation,omitempty"`
	Message      string         `json:"message"`
	Fields       map[string]any `json:"fields,omitempty"`
	Caller       string         `json:"caller,omitempty"`
}

// promoted maps top-level attribute keys to their LogEntry slot.
var promoted = map[string]func(*LogEntry, string){
	"component":    func(e *LogEntry, v string) { e.Component = v },
	"conversation": func(e *LogEntry, v string) { e.Conversation = v },
}

// entryHandler renders records as LogEntry lines. Attributes bound with
// WithAttrs are rendered once, when bound.
type entryHandler struct {
	out       *syncWriter
	level     slog.Level
	addSource bool

	prefix string
	base   LogEntry
	fields map[string]any
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(append(line, '\n'))
	return err
}

func newEntryHandler(w io.Writer, level slog.Level, addSource bool) *entryHandler {
	return &entryHandler{out: &syncWriter{w: w}, level: level, addSource: addSource}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	entry := h.base
	entry.Level = strings.ToLower(record.Level.String())
	entry.Message = record.Message

	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry.Timestamp = at.UTC().Format(time.RFC3339Nano)

	fields := maps.Clone(h.fields)
	record.Attrs(func(attr slog.Attr) bool {
		fields = h.apply(&entry, fields, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource {
		if src := record.Source(); src != nil && src.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	return h.out.writeLine(line)
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.fields = maps.Clone(h.fields)
	for _, attr := range attrs {
		next.fields = next.apply(&next.base, next.fields, attr)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// apply records attr on entry or in fields, allocating fields on first use.
func (h *entryHandler) apply(entry *LogEntry, fields map[string]any, attr slog.Attr) map[string]any {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return fields
	}

	// Unkeyed groups inline their members.
	if attr.Key == "" && attr.Value.Kind() == slog.KindGroup {
		for _, member := range attr.Value.Group() {
			fields = h.apply(entry, fields, member)
		}
		return fields
	}

	if h.prefix == "" && attr.Value.Kind() == slog.KindString {
		if set, ok := promoted[attr.Key]; ok {
			set(entry, attr.Value.String())
			return fields
		}
	}

	if fields == nil {
		fields = make(map[string]any)
	}
	fields[h.prefix+attr.Key] = renderValue(attr.Value)
	return fields
}

func renderValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any, len(value.Group()))
		for _, member := range value.Group() {
			group[member.Key] = renderValue(member.Value.Resolve())
		}
		return group
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case json.Marshaler:
			return v
		case fmt.Stringer:
			return v.String()
		default:
			return v
		}
	default:
		return value.Any()
	}
}
