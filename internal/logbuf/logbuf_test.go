package logbuf

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestAppendAndQuery(t *testing.T) {
	buf := New(5)
	now := time.Now()

	for i := 0; i < 3; i++ {
		buf.Append(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
		})
	}

	if buf.Len() != 3 {
		t.Fatalf("Len = %d, want 3", buf.Len())
	}
	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestRingEviction(t *testing.T) {
	buf := New(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		buf.Append(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
			Attrs:   map[string]any{"i": i},
		})
	}

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Attrs["i"] != 2 {
		t.Fatalf("oldest entry i = %v, want 2", entries[0].Attrs["i"])
	}
	if entries[2].Attrs["i"] != 4 {
		t.Fatalf("newest entry i = %v, want 4", entries[2].Attrs["i"])
	}
}

func TestQuerySince(t *testing.T) {
	buf := New(10)
	now := time.Now()

	for i := 0; i < 5; i++ {
		buf.Append(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
		})
	}

	entries := buf.Query(Filter{Since: now.Add(3 * time.Second), MinLevel: slog.LevelDebug})
	if len(entries) != 2 {
		t.Fatalf("got %d entries since t+3s, want 2", len(entries))
	}
}

func TestQueryMinLevel(t *testing.T) {
	buf := New(10)
	now := time.Now()

	buf.Append(Entry{Time: now, Level: "DEBUG", Message: "debug"})
	buf.Append(Entry{Time: now, Level: "INFO", Message: "info"})
	buf.Append(Entry{Time: now, Level: "WARN", Message: "warn"})
	buf.Append(Entry{Time: now, Level: "ERROR", Message: "error"})

	entries := buf.Query(Filter{MinLevel: slog.LevelWarn})
	if len(entries) != 2 {
		t.Fatalf("got %d entries at WARN+, want 2", len(entries))
	}
	if entries[0].Message != "warn" || entries[1].Message != "error" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	buf := New(10)
	now := time.Now()

	for i := 0; i < 8; i++ {
		buf.Append(Entry{
			Time:    now.Add(time.Duration(i) * time.Second),
			Level:   "INFO",
			Message: "msg",
			Attrs:   map[string]any{"i": i},
		})
	}

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug, Limit: 3})
	if len(entries) != 3 {
		t.Fatalf("got %d entries with limit, want 3", len(entries))
	}
	if entries[0].Attrs["i"] != 5 {
		t.Fatalf("first limited entry i = %v, want 5", entries[0].Attrs["i"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("ERROR") != slog.LevelError {
		t.Error("ERROR not parsed")
	}
	if ParseLevel("debug") != slog.LevelDebug {
		t.Error("lowercase debug not parsed")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to INFO")
	}
}

func TestHandlerCaptures(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.Info("hello", "key", "value")
	logger.Warn("warning")

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "hello" {
		t.Fatalf("message = %q, want hello", entries[0].Message)
	}
	if entries[0].Attrs["key"] != "value" {
		t.Fatalf("attrs = %v", entries[0].Attrs)
	}
	if entries[1].Level != "WARN" {
		t.Fatalf("level = %q, want WARN", entries[1].Level)
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.With("component", "worker").Info("msg")
	logger.WithGroup("queue").Info("grouped", "depth", 4)

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Attrs["component"] != "worker" {
		t.Fatalf("attrs = %v", entries[0].Attrs)
	}
	if entries[1].Attrs["queue.depth"] != int64(4) {
		t.Fatalf("grouped attrs = %v", entries[1].Attrs)
	}
}

func TestHandlerErrorAttr(t *testing.T) {
	buf := New(10)
	logger := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	logger.Error("failed", "error", context.DeadlineExceeded)

	entries := buf.Query(Filter{MinLevel: slog.LevelError})
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Attrs["error"] != context.DeadlineExceeded.Error() {
		t.Fatalf("error attr = %v", entries[0].Attrs["error"])
	}
}

func TestHandlerCapturesBelowInnerLevel(t *testing.T) {
	buf := New(10)
	inner := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := NewHandler(inner, buf)
	logger := slog.New(handler)

	if !handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("handler should accept all levels")
	}

	logger.Debug("debug msg")
	logger.Info("info msg")
	logger.Warn("warn msg")

	entries := buf.Query(Filter{MinLevel: slog.LevelDebug})
	if len(entries) != 3 {
		t.Fatalf("got %d entries in buffer, want 3", len(entries))
	}
}
