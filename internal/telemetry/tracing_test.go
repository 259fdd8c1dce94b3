package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_None(t *testing.T) {
	shutdown, err := Init(context.Background(), "guardd", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "guardd", Config{Exporter: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown exporter")
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	saved := otel.GetTracerProvider()
	defer otel.SetTracerProvider(saved)

	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))

	_, span := StartSpan(context.Background(), "dlq.heal")
	EndSpan(span, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "dlq.heal", ended[0].Name())
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders("authorization=Bearer x, bad, =v, k=,tenant=acme")
	assert.Equal(t, map[string]string{"authorization": "Bearer x", "tenant": "acme"}, got)
	assert.Empty(t, ParseHeaders(""))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
