package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestClientSpan(t *testing.T) {
	rec := withRecorder(t)
	ctx := WithCorrelation(context.Background(), "corr-1")

	_, span := StartClientSpan(ctx, "twitch-helix", "GET /users")
	EndSpan(span, nil)
	_, span = StartClientSpan(ctx, "speech-vendor", "model")
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].Name() != "twitch-helix GET /users" || ended[0].SpanKind() != trace.SpanKindClient {
		t.Errorf("span = %s kind=%v", ended[0].Name(), ended[0].SpanKind())
	}
	if ended[0].Status().Code != codes.Ok {
		t.Errorf("status = %v", ended[0].Status())
	}
	if ended[1].Status().Code != codes.Error || ended[1].Status().Description != "boom" {
		t.Errorf("error status = %v", ended[1].Status())
	}
	found := false
	for _, a := range ended[0].Attributes() {
		if a.Key == "correlation_id" && a.Value.AsString() == "corr-1" {
			found = true
		}
	}
	if !found {
		t.Error("correlation id attribute missing")
	}
}

func TestSetSpanHTTPStatus(t *testing.T) {
	rec := withRecorder(t)
	_, span := StartSpan(context.Background(), "http-server", "GET /health")
	SetSpanHTTPStatus(span, 503)
	span.End()
	if got := rec.Ended()[0].Status().Code; got != codes.Error {
		t.Errorf("status = %v, want error", got)
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("ttsbot-control", "test")
	if err != nil || shutdown == nil {
		t.Fatalf("InitTracing = %v", err)
	}
	shutdown()
}
