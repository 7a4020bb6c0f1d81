// Structured logging for the delta motion core
//
// Every component owns a prefixed *Logger. Output is either human-readable
// text or one JSON object per line, and may carry structured fields.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log message
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the level name
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, falling back to INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format selects the output encoding
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// ParseFormat parses "text" or "json"
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields holds structured key/value pairs
type Fields map[string]any

// sink is shared by a logger and all loggers derived from it, so that a
// writer or level change on the root reaches every component.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      Level
	format     Format
	colorize   bool
	caller     bool
	timeFormat string
}

// Logger writes prefixed log lines to a shared sink
type Logger struct {
	prefix string
	sink   *sink
}

// Entry is a pending log line with fields attached
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	ansiColors = map[Level]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
	ansiReset = "\x1b[0m"

	rootMu sync.Mutex
	root   *Logger
)

// New creates a root logger writing to stderr at INFO
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sink: &sink{
			writer:     os.Stderr,
			level:      INFO,
			format:     FormatText,
			colorize:   os.Getenv("NO_COLOR") == "",
			timeFormat: "2006-01-02 15:04:05.000",
		},
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New("discard")
	l.sink.writer = io.Discard
	l.sink.level = ERROR + 1
	return l
}

// SetLevel sets the minimum level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// GetLevel returns the minimum level
func (l *Logger) GetLevel() Level {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// SetWriter redirects output
func (l *Logger) SetWriter(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.writer = w
}

// SetFormat switches between text and JSON
func (l *Logger) SetFormat(f Format) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.format = f
}

// SetColorize toggles ANSI colors in text output
func (l *Logger) SetColorize(enable bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.colorize = enable
}

// SetCaller toggles file:line annotations
func (l *Logger) SetCaller(enable bool) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.caller = enable
}

// Prefix returns the component prefix
func (l *Logger) Prefix() string { return l.prefix }

// WithPrefix returns a logger for another component sharing the same sink
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, sink: l.sink}
}

// WithField returns an Entry carrying one field
func (l *Logger) WithField(key string, value any) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry carrying fields
func (l *Logger) WithFields(fields Fields) *Entry {
	cp := make(Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return &Entry{logger: l, fields: cp}
}

// WithError returns an Entry carrying the error text
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(msg string, args ...any) { l.output(DEBUG, msg, args, nil) }
func (l *Logger) Info(msg string, args ...any)  { l.output(INFO, msg, args, nil) }
func (l *Logger) Warn(msg string, args ...any)  { l.output(WARN, msg, args, nil) }
func (l *Logger) Error(msg string, args ...any) { l.output(ERROR, msg, args, nil) }

// Enabled reports whether level would be written
func (l *Logger) Enabled(level Level) bool {
	return level >= l.GetLevel()
}

// JSONLogEntry is one line of JSON output
type JSONLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Logger    string         `json:"logger"`
	Message   string         `json:"message"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (l *Logger) output(level Level, msg string, args []any, fields Fields) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	caller := ""
	if s.caller {
		caller = callerOf(3)
	}
	var line string
	if s.format == FormatJSON {
		line = l.jsonLine(level, msg, caller, fields)
	} else {
		line = l.textLine(level, msg, caller, fields)
	}
	fmt.Fprint(s.writer, line)
}

func (l *Logger) textLine(level Level, msg, caller string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(l.sink.timeFormat))
	sb.WriteString(fmt.Sprintf(" [%-5s] ", level.String()))
	if l.sink.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if l.sink.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if caller != "" {
		sb.WriteString(" (")
		sb.WriteString(caller)
		sb.WriteString(")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

func (l *Logger) jsonLine(level Level, msg, caller string, fields Fields) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    caller,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value any) *Entry {
	fields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

// WithError adds the error text to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

func (e *Entry) Debug(msg string) { e.logger.output(DEBUG, msg, nil, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.output(INFO, msg, nil, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.output(WARN, msg, nil, e.fields) }
func (e *Entry) Error(msg string) { e.logger.output(ERROR, msg, nil, e.fields) }

func (e *Entry) Infof(format string, args ...any) {
	e.logger.output(INFO, format, args, e.fields)
}

func (e *Entry) Warnf(format string, args ...any) {
	e.logger.output(WARN, format, args, e.fields)
}

// Root returns the process-wide root logger, creating it from the
// environment on first use.
func Root() *Logger {
	rootMu.Lock()
	defer rootMu.Unlock()
	if root == nil {
		root = New("delta")
		ConfigureFromEnv(root)
	}
	return root
}

// SetRoot replaces the root logger
func SetRoot(l *Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = l
}

// Get returns a component logger derived from the root
func Get(prefix string) *Logger {
	return Root().WithPrefix(prefix)
}

// ConfigureFromEnv applies environment overrides:
//   - DELTA_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - DELTA_LOG_FORMAT: text, json
//   - DELTA_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("DELTA_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	if v := os.Getenv("DELTA_LOG_FORMAT"); v != "" {
		l.SetFormat(ParseFormat(v))
	}
	if os.Getenv("DELTA_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
