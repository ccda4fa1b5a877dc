package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// capture redirects log output for the duration of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() { SetOutput(prev) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestEntryFields(t *testing.T) {
	tests := []struct {
		name  string
		write func(l *Logger)
		check func(t *testing.T, e LogEntry)
	}{
		{
			name: "housekeeper task context",
			write: func(l *Logger) {
				l.Plain().WithTenant("tenant-7").WithTaskType("ALARMS_UNASSIGN").WithField("attempt", 2).Warn("task failed")
			},
			check: func(t *testing.T, e LogEntry) {
				if e.TenantID != "tenant-7" || e.TaskType != "ALARMS_UNASSIGN" {
					t.Errorf("tenant/task = %q/%q", e.TenantID, e.TaskType)
				}
				if e.Fields["attempt"] != float64(2) {
					t.Errorf("attempt = %v", e.Fields["attempt"])
				}
				if e.Level != LevelWarn || e.Message != "task failed" {
					t.Errorf("level/msg = %q/%q", e.Level, e.Message)
				}
			},
		},
		{
			name: "rpc request context",
			write: func(l *Logger) {
				l.Plain().WithQueue("tb_rule_engine").WithRequest("5d2a").Infof("reply in %dms", 12)
			},
			check: func(t *testing.T, e LogEntry) {
				if e.Queue != "tb_rule_engine" || e.RequestID != "5d2a" {
					t.Errorf("queue/request = %q/%q", e.Queue, e.RequestID)
				}
				if e.Message != "reply in 12ms" {
					t.Errorf("msg = %q", e.Message)
				}
			},
		},
		{
			name: "fields merge and error",
			write: func(l *Logger) {
				l.WithFields(map[string]any{"topic": "tb_housekeeper"}).
					WithFields(map[string]any{"partition": 3}).
					WithError(errors.New("broker unavailable")).
					WithError(nil).
					Error("poll failed")
			},
			check: func(t *testing.T, e LogEntry) {
				if e.Fields["topic"] != "tb_housekeeper" || e.Fields["partition"] != float64(3) {
					t.Errorf("fields = %v", e.Fields)
				}
				if e.Fields["error"] != "broker unavailable" {
					t.Errorf("error = %v", e.Fields["error"])
				}
			},
		},
		{
			name:  "empty fields omitted",
			write: func(l *Logger) { l.Plain().Info("started") },
			check: func(t *testing.T, e LogEntry) {
				if e.Fields != nil {
					t.Errorf("fields = %v, want nil", e.Fields)
				}
				if e.Service != "housekeeper" {
					t.Errorf("service = %q", e.Service)
				}
				if e.Time.IsZero() {
					t.Error("time not set")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.write(New("housekeeper"))
			entries := decodeLines(t, buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			tt.check(t, entries[0])
		})
	}
}

func TestWithContextTraceCorrelation(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	buf := capture(t)
	ctx, span := otel.Tracer("test").Start(context.Background(), "housekeeper.process")
	New("housekeeper").WithContext(ctx).Info("processing")
	New("housekeeper").WithContext(context.Background()).Info("idle")
	span.End()

	entries := decodeLines(t, buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	sc := span.SpanContext()
	if entries[0].TraceID != sc.TraceID().String() || entries[0].SpanID != sc.SpanID().String() {
		t.Errorf("ids = %s/%s, want %s/%s", entries[0].TraceID, entries[0].SpanID, sc.TraceID(), sc.SpanID())
	}
	if entries[1].TraceID != "" || entries[1].SpanID != "" {
		t.Errorf("entry without span carried ids %s/%s", entries[1].TraceID, entries[1].SpanID)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		min   LogLevel
		write func(e *LogEntry)
		want  bool
	}{
		{"debug dropped at info", LevelInfo, func(e *LogEntry) { e.Debugf("poll %d", 1) }, false},
		{"warn kept at info", LevelInfo, func(e *LogEntry) { e.Warnf("lag %d", 40) }, true},
		{"info dropped at error", LevelError, func(e *LogEntry) { e.Info("started") }, false},
		{"errorf kept at error", LevelError, func(e *LogEntry) { e.Errorf("commit %s", "failed") }, true},
		{"debug kept at debug", LevelDebug, func(e *LogEntry) { e.Debug("polling") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := capture(t)
			tt.write(New("svc").WithLevel(tt.min).Plain())
			if got := buf.Len() > 0; got != tt.want {
				t.Errorf("written = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormattingSkippedWhenDisabled(t *testing.T) {
	capture(t)
	calls := 0
	s := stringer(func() string { calls++; return "x" })
	New("svc").WithLevel(LevelWarn).Plain().Infof("%s", s)
	if calls != 0 {
		t.Errorf("String() called %d times for a disabled level", calls)
	}
}

type stringer func() string

func (s stringer) String() string { return s() }

func TestFatalExits(t *testing.T) {
	buf := capture(t)
	var code int
	prev := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = prev })

	New("transport-api").Plain().Fatalf("listen on %s", ":8080")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	entries := decodeLines(t, buf)
	if len(entries) != 1 || entries[0].Level != LevelFatal || entries[0].Message != "listen on :8080" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestDefaultLogger(t *testing.T) {
	buf := capture(t)
	SetDefaultService("queuectl")
	t.Cleanup(func() { SetDefaultService("harbor-queue") })

	Plain().Info("one")
	WithFields(map[string]any{"topic": "t"}).Info("two")
	WithContext(context.Background()).Info("three")

	for _, e := range decodeLines(t, buf) {
		if e.Service != "queuectl" {
			t.Errorf("%q logged with service %q", e.Message, e.Service)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"error", LevelError},
		{"fatal", LevelFatal},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNSQLoggerOutput(t *testing.T) {
	tests := []struct {
		line  string
		level LogLevel
		msg   string
	}{
		{"INF    1 [tb_housekeeper/housekeeper] (nsqd:4150) connecting to nsqd", LevelInfo, "1 [tb_housekeeper/housekeeper] (nsqd:4150) connecting to nsqd"},
		{"WRN    2 backing off for 1s", LevelWarn, "2 backing off for 1s"},
		{"ERR    3 IO error - EOF", LevelError, "3 IO error - EOF"},
		{"plain text", LevelInfo, "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			buf := capture(t)
			if err := NewNSQLogger(New("svc"), "nsq-consumer").Output(2, tt.line); err != nil {
				t.Fatalf("Output() error = %v", err)
			}
			entries := decodeLines(t, buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries", len(entries))
			}
			e := entries[0]
			if e.Level != tt.level || e.Message != tt.msg || e.Fields["component"] != "nsq-consumer" {
				t.Errorf("entry = %+v", e)
			}
		})
	}

	t.Run("debug suppressed at info", func(t *testing.T) {
		buf := capture(t)
		_ = NewNSQLogger(New("svc"), "nsq-producer").Output(2, "DBG    4 heartbeat")
		if buf.Len() != 0 {
			t.Errorf("debug line written: %s", buf.String())
		}
	})
}
