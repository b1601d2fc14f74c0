package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWarnWithTrace_NoSpan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	WarnWithTrace(context.Background(), logger, "period skipped", zap.String("period", "this_day"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("Expected warn level, got %s", entries[0].Level)
	}
	if _, ok := entries[0].ContextMap()["trace_id"]; ok {
		t.Error("Expected no trace_id without a recording span")
	}
}

func TestInfoWithTrace_RecordingSpan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "collect")
	defer span.End()

	InfoWithTrace(ctx, logger, "collection finished")

	fields := logs.All()[0].ContextMap()
	if fields["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), fields["trace_id"])
	}
	if fields["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("Expected span_id %s, got %v", span.SpanContext().SpanID(), fields["span_id"])
	}
}

func TestLogWithTrace_LevelFiltered(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	DebugWithTrace(context.Background(), logger, "hidden")

	if logs.Len() != 0 {
		t.Errorf("Expected debug entry to be filtered, got %d entries", logs.Len())
	}
}
