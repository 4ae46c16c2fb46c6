package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry
// this is modeled after the JSON format expected by Cloud Logging
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// String renders an entry structure to the JSON format expected by Cloud Logging.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"message":%q,"severity":"ERROR"}`, "json.Marshal: "+err.Error())
	}
	return string(out)
}

var jsonSeverity = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type jsonLogger struct {
	mu        *sync.Mutex
	sink      Sink
	metadata  map[string]interface{}
	component string
	logLevel  LogLevel
	ts        *time.Time // for unit testing
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		mu:        c.mu,
		sink:      c.sink,
		metadata:  metadata,
		component: c.component,
		logLevel:  c.logLevel,
		ts:        c.ts,
	}
}

// WithPrefix will return a new logger with the prefix appended to the component
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	prefix = strings.Trim(prefix, "[]")
	switch {
	case l.component == "":
		l.component = prefix
	case !strings.Contains(l.component, prefix):
		l.component = l.component + ", " + prefix
	}
	return l
}

func (c *jsonLogger) With(newFields map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range newFields {
		l.metadata[k] = v
	}
	if comp, ok := l.metadata["component"].(string); ok {
		l.component = comp
		delete(l.metadata, "component")
	}
	return l
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel && c.logLevel != LevelNone
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  jsonSeverity[level],
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Component: c.component,
		Timestamp: time.Now(),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	if c.ts != nil {
		entry.Timestamp = *c.ts
	}
	line := entry.String() + "\n"
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.sink.Write([]byte(line))
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
	exit(1)
}

// NewJSONLogger returns a new Logger instance which can be used for structured logging to stderr
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return NewJSONLoggerWithSink(os.Stderr, level)
}

// NewJSONLoggerWithSink returns a new Logger instance writing one JSON object per line to sink
func NewJSONLoggerWithSink(sink Sink, level LogLevel) Logger {
	return &jsonLogger{mu: &sync.Mutex{}, sink: sink, logLevel: level}
}
