package logger

import (
	"fmt"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied
func (e TestLogEntry) Formatted() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testRecorder struct {
	mu   sync.Mutex
	logs []TestLogEntry
}

// TestLogger records every entry so tests can assert on them. Loggers
// derived through With and WithPrefix share the parent's recording.
type TestLogger struct {
	metadata map[string]interface{}
	rec      *testRecorder
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, rec: c.rec}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) Log(level string, msg string, args ...interface{}) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.logs = append(c.rec.logs, TestLogEntry{level, msg, args, c.metadata})
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.Log("TRACE", msg, args...) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.Log("DEBUG", msg, args...) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.Log("INFO", msg, args...) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.Log("WARNING", msg, args...) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.Log("ERROR", msg, args...) }

// Fatal records the entry without exiting the test binary
func (c *TestLogger) Fatal(msg string, args ...interface{}) { c.Log("FATAL", msg, args...) }

// Logs returns a snapshot of the recorded entries
func (c *TestLogger) Logs() []TestLogEntry {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	return append([]TestLogEntry(nil), c.rec.logs...)
}

// Find returns the recorded entries of the given severity whose formatted
// message contains substr
func (c *TestLogger) Find(severity string, substr string) []TestLogEntry {
	var found []TestLogEntry
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.Formatted(), substr) {
			found = append(found, e)
		}
	}
	return found
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{rec: &testRecorder{}}
}
