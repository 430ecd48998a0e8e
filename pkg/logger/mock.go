package logger

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// LogMessage is one record captured by MockLogger.
type LogMessage struct {
	Level string
	Msg   string
	Args  []any
}

// Attr returns the value logged under key, if any.
func (lm LogMessage) Attr(key string) (any, bool) {
	for i := 0; i+1 < len(lm.Args); i += 2 {
		if k, ok := lm.Args[i].(string); ok && k == key {
			return lm.Args[i+1], true
		}
	}
	return nil, false
}

// recording is the buffer shared by a MockLogger and every logger derived
// from it with With or WithGroup.
type recording struct {
	mu      sync.Mutex
	entries []LogMessage
}

// MockLogger records log calls for assertions in tests. It is safe for
// concurrent use.
type MockLogger struct {
	rec    *recording
	attrs  []any
	prefix string
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{rec: &recording{}}
}

// Debug records a debug message.
func (m *MockLogger) Debug(msg string, args ...any) { m.record("DEBUG", msg, args) }

// Info records an info message.
func (m *MockLogger) Info(msg string, args ...any) { m.record("INFO", msg, args) }

// Warn records a warning.
func (m *MockLogger) Warn(msg string, args ...any) { m.record("WARN", msg, args) }

// Error records an error.
func (m *MockLogger) Error(msg string, args ...any) { m.record("ERROR", msg, args) }

// With returns a logger that adds args to every record and shares this
// logger's buffer.
func (m *MockLogger) With(args ...any) Logger {
	return &MockLogger{
		rec:    m.rec,
		attrs:  append(slices.Clip(m.attrs), m.qualify(args)...),
		prefix: m.prefix,
	}
}

// WithGroup returns a logger that qualifies subsequent keys with name, the
// way slog renders groups in text output.
func (m *MockLogger) WithGroup(name string) Logger {
	if name == "" {
		return m
	}
	return &MockLogger{rec: m.rec, attrs: m.attrs, prefix: m.prefix + name + "."}
}

func (m *MockLogger) record(level, msg string, args []any) {
	merged := make([]any, 0, len(m.attrs)+len(args))
	merged = append(merged, m.attrs...)
	merged = append(merged, m.qualify(args)...)

	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	m.rec.entries = append(m.rec.entries, LogMessage{Level: level, Msg: msg, Args: merged})
}

func (m *MockLogger) qualify(args []any) []any {
	if m.prefix == "" {
		return args
	}
	out := slices.Clone(args)
	for i := 0; i < len(out); i += 2 {
		if k, ok := out[i].(string); ok {
			out[i] = m.prefix + k
		}
	}
	return out
}

// Entries returns a copy of everything recorded so far.
func (m *MockLogger) Entries() []LogMessage {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	return slices.Clone(m.rec.entries)
}

// Find returns the first record with the given level and message.
func (m *MockLogger) Find(level, msg string) (LogMessage, bool) {
	for _, lm := range m.Entries() {
		if lm.Level == level && lm.Msg == msg {
			return lm, true
		}
	}
	return LogMessage{}, false
}

// HasMessage reports whether a record with the given level and message exists.
func (m *MockLogger) HasMessage(level, msg string) bool {
	_, ok := m.Find(level, msg)
	return ok
}

// HasMessageContaining reports whether a record at level contains substring.
func (m *MockLogger) HasMessageContaining(level, substring string) bool {
	return slices.ContainsFunc(m.Entries(), func(lm LogMessage) bool {
		return lm.Level == level && strings.Contains(lm.Msg, substring)
	})
}

// Count returns the number of records at level.
func (m *MockLogger) Count(level string) int {
	n := 0
	for _, lm := range m.Entries() {
		if lm.Level == level {
			n++
		}
	}
	return n
}

// Clear drops all records.
func (m *MockLogger) Clear() {
	m.rec.mu.Lock()
	defer m.rec.mu.Unlock()
	m.rec.entries = nil
}

// String renders all records, one per line.
func (m *MockLogger) String() string {
	var b strings.Builder
	for _, lm := range m.Entries() {
		fmt.Fprintf(&b, "[%s] %s %v\n", lm.Level, lm.Msg, lm.Args)
	}
	return b.String()
}
