package tracing

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestManager_DisabledIsNoop(t *testing.T) {
	m := NewManager(models.TracingConfig{Enabled: false}, quietLogger())

	require.NoError(t, m.Initialize(context.Background()))
	assert.Nil(t, m.provider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StdoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	m := NewManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "socialbridge-test",
		SampleRate:  1.0,
		UseStdout:   true,
	}, quietLogger())

	require.NoError(t, m.Initialize(context.Background()))
	assert.NotNil(t, m.provider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "provider.request", attribute.String("platform", "Facebook"))
	AddSpanAttributes(ctx, attribute.Int("http.status_code", 500))
	RecordError(ctx, errors.New("boom"))
	assert.NotEmpty(t, TraceID(ctx))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "provider.request", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Attributes(), 2)
}

func TestSetSpanStatus(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "webhook")
	SetSpanStatus(ctx, codes.Ok, "")
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Ok, recorder.Ended()[0].Status().Code)
}

func TestHelpers_WithoutSpan(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, TraceID(ctx))
	assert.NotPanics(t, func() {
		AddSpanAttributes(ctx, attribute.String("k", "v"))
		RecordError(ctx, errors.New("ignored"))
		SetSpanStatus(ctx, codes.Error, "ignored")
	})
}

func TestRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.NotEqual(t, id, NewRequestID())

	ctx := WithRequestID(context.Background(), id)
	assert.Equal(t, id, RequestID(ctx))
	assert.Empty(t, RequestID(context.Background()))
}
