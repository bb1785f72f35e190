// Package logging provides structured JSON logging with trace-id support
// for the memory engine.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
	WithTraceID(traceID string) Logger
}

// LogLevel represents logging levels.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// ContextKey is the context key type for trace ids.
type ContextKey string

// TraceIDKey carries the request trace id through contexts.
const TraceIDKey ContextKey = "trace_id"

// LogEntry is one structured log record.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// StructuredLogger writes JSON (or plain text) entries to stdout.
type StructuredLogger struct {
	level     LogLevel
	traceID   string
	component string
	useJSON   bool
}

// NewLogger creates a structured logger at the given level.
func NewLogger(level LogLevel) Logger {
	return &StructuredLogger{level: level, useJSON: os.Getenv("ENGRAM_LOG_FORMAT") != "text"}
}

// WithComponent returns a logger scoped to a component name.
func (l *StructuredLogger) WithComponent(component string) Logger {
	return &StructuredLogger{level: l.level, traceID: l.traceID, component: component, useJSON: l.useJSON}
}

// WithTraceID returns a logger bound to a trace id.
func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	return &StructuredLogger{level: l.level, traceID: traceID, component: l.component, useJSON: l.useJSON}
}

func (l *StructuredLogger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, "", fields...) }
func (l *StructuredLogger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, "", fields...) }
func (l *StructuredLogger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, "", fields...) }
func (l *StructuredLogger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, "", fields...) }

func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(DEBUG, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(INFO, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(WARN, msg, GetTraceID(ctx), fields...)
}

func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ERROR, msg, GetTraceID(ctx), fields...)
}

var levelNames = map[LogLevel]string{DEBUG: "DEBUG", INFO: "INFO", WARN: "WARN", ERROR: "ERROR"}

func (l *StructuredLogger) log(level LogLevel, msg, contextTraceID string, fields ...interface{}) {
	if level < l.level {
		return
	}
	traceID := l.traceID
	if contextTraceID != "" {
		traceID = contextTraceID
	}

	fieldMap := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fieldMap[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     levelNames[level],
		Message:   msg,
		TraceID:   traceID,
		Component: l.component,
		Fields:    fieldMap,
	}

	if l.useJSON {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Println(string(data))
		}
		return
	}

	parts := []string{entry.Timestamp, "[" + entry.Level + "]"}
	if entry.Component != "" {
		parts = append(parts, "component:"+entry.Component)
	}
	parts = append(parts, entry.Message)
	for k, v := range fieldMap {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Println(strings.Join(parts, " "))
}

// Default logger instance and package-level helpers.
var defaultLogger = NewLogger(ParseLogLevel(os.Getenv("ENGRAM_LOG_LEVEL")))

// SetDefaultLogger replaces the package default logger.
func SetDefaultLogger(logger Logger) { defaultLogger = logger }

func Debug(msg string, fields ...interface{}) { defaultLogger.Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { defaultLogger.Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { defaultLogger.Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { defaultLogger.Error(msg, fields...) }

// WithComponent returns a component-scoped logger from the default.
func WithComponent(component string) Logger { return defaultLogger.WithComponent(component) }

// GenerateTraceID creates a fresh trace id.
func GenerateTraceID() string { return uuid.New().String() }

// WithTraceID stores a trace id in the context, generating one when empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace id from a context, if any.
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
