package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/harbor_queue/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a level name to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	lvl := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	TaskType  string         `json:"task_type,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Queue     string         `json:"queue,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	minLevel LogLevel
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	level   LogLevel
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		level:   LevelInfo,
	}
}

// WithLevel returns a copy of the logger that drops entries below lvl
func (l *Logger) WithLevel(lvl LogLevel) *Logger {
	return &Logger{service: l.service, level: lvl}
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:     time.Now().UTC(),
		Service:  l.service,
		Fields:   fields,
		minLevel: l.level,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(make(map[string]any))
	entry.TraceID = tracing.GetTraceID(ctx)
	entry.SpanID = tracing.GetSpanID(ctx)
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(make(map[string]any))
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	e.TenantID = tenantID
	return e
}

// WithTaskType sets the housekeeper task type for the log entry
func (e *LogEntry) WithTaskType(taskType string) *LogEntry {
	e.TaskType = taskType
	return e
}

// WithRequest sets the correlation id of an RPC request
func (e *LogEntry) WithRequest(requestID string) *LogEntry {
	e.RequestID = requestID
	return e
}

// WithQueue sets the logical queue name
func (e *LogEntry) WithQueue(queue string) *LogEntry {
	e.Queue = queue
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.logf(LevelDebug, format, args)
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.logf(LevelInfo, format, args)
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.logf(LevelWarn, format, args)
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.logf(LevelError, format, args)
}

// exit is replaced in tests
var exit = os.Exit

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.logf(LevelFatal, format, args)
	exit(1)
}

func (e *LogEntry) enabled(lvl LogLevel) bool {
	if e.minLevel == "" {
		return true
	}
	return levelRank[lvl] >= levelRank[e.minLevel]
}

func (e *LogEntry) logf(lvl LogLevel, format string, args []any) {
	if e.enabled(lvl) {
		e.log(lvl, fmt.Sprintf(format, args...))
	}
}

func (e *LogEntry) log(lvl LogLevel, message string) {
	if !e.enabled(lvl) {
		return
	}
	e.Level = lvl
	e.Message = message
	e.output()
}

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects all log output, returning the previous writer
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	out = w
	return prev
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)

	outMu.Lock()
	defer outMu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(out, string(data))
}

var defaultLogger = New("harbor-queue")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
