package tracing

import (
	"context"
	"fmt"
	"time"

	"socialbridge/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "socialbridge"

const shutdownTimeout = 5 * time.Second

// Manager owns the tracer provider for the lifetime of the process
type Manager struct {
	config   models.TracingConfig
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
}

func NewManager(config models.TracingConfig, logger *logrus.Logger) *Manager {
	return &Manager{config: config, logger: logger}
}

// Initialize installs the global tracer provider. Disabled tracing leaves the
// otel no-op provider in place.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("OpenTelemetry tracing is disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.config.ServiceName),
			semconv.ServiceVersionKey.String(m.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(m.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if m.config.UseStdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	} else {
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(m.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
		}
	}

	m.install(exporter, res)

	m.logger.WithFields(logrus.Fields{
		"service":     m.config.ServiceName,
		"sample_rate": m.config.SampleRate,
		"stdout":      m.config.UseStdout,
	}).Info("OpenTelemetry tracing initialized")
	return nil
}

func (m *Manager) install(exporter sdktrace.SpanExporter, res *resource.Resource) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.config.SampleRate))),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	m.provider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// Shutdown flushes pending spans
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := m.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// StartSpan starts a span on the socialbridge tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanAttributes adds attributes to the span in ctx, if it is recording
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed
func RecordError(ctx context.Context, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanStatus sets the status of the span in ctx
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// TraceID returns the otel trace id of ctx, or "" without an active span
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

type contextKey string

const requestIDKey contextKey = "request_id"

// NewRequestID returns a fresh request id
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request id stored by WithRequestID
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
