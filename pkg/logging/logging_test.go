package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name       string
		want       slog.Level
		shouldFail bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.name)
		if (err != nil) != tt.shouldFail {
			t.Errorf("ParseLevel(%q) error = %v, shouldFail %v", tt.name, err, tt.shouldFail)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}

	logger = Component(logger, "reconstruct")
	logger.Info("dropped")
	logger.Warn("unresolved entries", "count", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}

	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec[ComponentKey] != "reconstruct" {
		t.Errorf("component = %v, want reconstruct", rec[ComponentKey])
	}
	if rec["count"] != float64(3) {
		t.Errorf("count = %v, want 3", rec["count"])
	}
}

func TestNew_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, Options{Format: "text"})
	if err != nil {
		t.Fatal(err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.With("pod", "codex-1").InfoContext(ctx, "page fetched")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+sc.TraceID().String()) {
		t.Errorf("output missing trace_id: %q", out)
	}
	if !strings.Contains(out, "span_id="+sc.SpanID().String()) {
		t.Errorf("output missing span_id: %q", out)
	}

	buf.Reset()
	logger.Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("trace_id without a span: %q", buf.String())
	}
}

func TestNew_BadFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	if !rerrors.IsCode(err, rerrors.CodeInvalidConfig) {
		t.Errorf("error = %v, want %s", err, rerrors.CodeInvalidConfig)
	}
}
