package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConstructorsRejectNil(t *testing.T) {
	cases := map[string]func(){
		"slog":      func() { NewSlogServiceLogger(nil) },
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
		"zap":       func() { NewZapServiceLogger(nil) },
		"entry":     func() { NewEntryServiceLogger[EntryLogger](nil) },
	}
	for name, construct := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("%s: nil logger accepted", name)
				}
			}()
			construct()
		})
	}
}

func TestEntryServiceLogger(t *testing.T) {
	var lines []entryLine
	logger := NewEntryServiceLogger(&lineEntry{out: &lines}).With(LogFields{"queue": "orders"})

	logger.Info("bound", LogFields{"handler": "audit"})
	logger.Warn("slow receive", nil)
	boom := errors.New("boom")
	logger.Error("handler failed", boom, LogFields{"attempt": 2})
	logger.Trace("tick", nil)
	logger.With(nil).Debug("unchanged", nil)

	want := []string{
		"info bound handler=audit queue=orders",
		"warn slow receive queue=orders",
		"error handler failed attempt=2 queue=orders",
		"trace tick queue=orders",
		"debug unchanged queue=orders",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i, line := range lines {
		if got := line.String(); got != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got, want[i])
		}
	}
	if lines[2].err != boom {
		t.Fatalf("error not attached: %v", lines[2].err)
	}
}

func TestApplyEntryFieldsKeepsEntryWithoutFields(t *testing.T) {
	var lines []entryLine
	entry := &lineEntry{out: &lines}
	if applyEntryFields(entry, nil) != entry {
		t.Fatal("nil fields produced a new entry")
	}
	if applyEntryFields(entry, LogFields{"k": "v"}) == entry {
		t.Fatal("fields were not applied to a copy")
	}
}

func TestWatermillServiceLogger(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(capture)

	logger.Debug("polling", LogFields{"queue": "q1"})
	logger.Warn("cap reached", LogFields{"job": "cleanup"})
	boom := errors.New("boom")
	logger.Error("bind failed", boom, nil)
	logger.With(LogFields{"handler": "audit"}).Trace("claimed", nil)

	captured := capture.Captured()
	if got := captured[watermill.DebugLogLevel]; len(got) != 1 || got[0].Fields["queue"] != "q1" {
		t.Fatalf("debug entries: %#v", got)
	}
	warn := captured[watermill.InfoLogLevel]
	if len(warn) != 1 || warn[0].Msg != "cap reached" || warn[0].Fields[severityField] != "warning" || warn[0].Fields["job"] != "cleanup" {
		t.Fatalf("warn is logged at info with a severity field: %#v", warn)
	}
	if !capture.HasError(boom) {
		t.Fatal("error entry missing")
	}
	if got := captured[watermill.TraceLogLevel]; len(got) != 1 || got[0].Fields["handler"] != "audit" {
		t.Fatalf("With fields not carried: %#v", got)
	}
}

func TestWatermillAdapterRoutesThroughServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	base := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace})))
	adapter := NewWatermillAdapter(base).With(watermill.LogFields{"transport": "kafka"})

	adapter.Info("subscriber started", watermill.LogFields{"topic": "orders"})
	adapter.Error("consume failed", errors.New("broker gone"), nil)
	adapter.Trace("offset committed", nil)
	adapter.Debug("quiet", nil)

	out := buf.String()
	for _, want := range []string{
		"msg=\"subscriber started\"",
		"topic=orders",
		"error=\"broker gone\"",
		"msg=\"offset committed\"",
		"msg=quiet",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if n := strings.Count(out, "transport=kafka"); n != 4 {
		t.Fatalf("With fields on %d of 4 lines:\n%s", n, out)
	}
}

func TestWatermillFieldConversions(t *testing.T) {
	if toWatermillFields(nil) != nil || fromWatermillFields(watermill.LogFields{}) != nil {
		t.Fatal("empty fields should convert to nil")
	}
	back := fromWatermillFields(toWatermillFields(LogFields{"attempt": 3}))
	if back["attempt"] != 3 {
		t.Fatalf("conversion lost a value: %#v", back)
	}
}

func TestSlogServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace}))
	logger := NewSlogServiceLogger(base).With(LogFields{"service": "orders"})

	logger.Trace("tracing", nil)
	logger.Debug("debugging", LogFields{"k": "v"})
	logger.Warn("careful", LogFields{"inflight": 20})
	logger.Error("failed", errors.New("boom"), nil)

	out := buf.String()
	for _, want := range []string{"level=WARN", "msg=careful", "inflight=20", "error=boom", "service=orders", "k=v", "msg=tracing"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestZapServiceLogger(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := NewZapServiceLogger(zap.New(core)).With(LogFields{"component": "scheduler"})

	logger.Info("started", LogFields{"jobs": 2})
	logger.Warn("cap reached", nil)
	logger.Error("invoke failed", errors.New("boom"), nil)
	logger.Trace("tick", nil)

	entries := recorded.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[1].Level)
	}
	if entries[0].ContextMap()["component"] != "scheduler" {
		t.Fatalf("expected With fields, got %#v", entries[0].ContextMap())
	}
	if entries[2].ContextMap()["error"] != "boom" {
		t.Fatalf("expected error field, got %#v", entries[2].ContextMap())
	}
}

// lineEntry is a logrus-style entry that renders each call as one line.
type lineEntry struct {
	out    *[]entryLine
	fields []string
	err    error
}

type entryLine struct {
	level  string
	msg    string
	fields []string
	err    error
}

func (l entryLine) String() string {
	parts := append([]string{l.level, l.msg}, l.fields...)
	return strings.Join(parts, " ")
}

func (e *lineEntry) emit(level string, args ...any) {
	fields := append([]string(nil), e.fields...)
	sort.Strings(fields)
	*e.out = append(*e.out, entryLine{level: level, msg: fmt.Sprint(args...), fields: fields, err: e.err})
}

func (e *lineEntry) Error(args ...any) { e.emit("error", args...) }
func (e *lineEntry) Warn(args ...any)  { e.emit("warn", args...) }
func (e *lineEntry) Info(args ...any)  { e.emit("info", args...) }
func (e *lineEntry) Debug(args ...any) { e.emit("debug", args...) }
func (e *lineEntry) Trace(args ...any) { e.emit("trace", args...) }

func (e *lineEntry) WithError(err error) *lineEntry {
	return &lineEntry{out: e.out, fields: e.fields, err: err}
}

func (e *lineEntry) WithField(key string, value any) *lineEntry {
	fields := append(append([]string(nil), e.fields...), fmt.Sprintf("%s=%v", key, value))
	return &lineEntry{out: e.out, fields: fields, err: e.err}
}
