package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when [ProviderConfig.ServiceName] is empty.
const DefaultServiceName = "dealdesk"

// ProviderConfig configures the OpenTelemetry SDK providers. main fills it
// from the telemetry section of the config file.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Environment is reported as deployment.environment when set.
	Environment string

	// SampleRatio is the fraction of new root traces that are recorded, in
	// [0, 1]. Nil records every trace. Spans with a sampled parent are always
	// recorded, so a copilot run is never cut in half.
	SampleRatio *float64

	// LogSpans writes every finished span as a structured log line.
	LogSpans bool

	// TraceExporter is an optional additional span exporter.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider initialises the OTel SDK with the given config and registers
// the providers globally:
//
//   - A [sdkmetric.MeterProvider] bridged to Prometheus, served on /metrics.
//   - A [sdktrace.TracerProvider] sampling per cfg.SampleRatio and exporting
//     to the slog span log and cfg.TraceExporter when configured.
//
// The returned shutdown func flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(cfg, res)
	otel.SetTracerProvider(tp)

	slog.InfoContext(ctx, "telemetry initialised",
		"service_name", serviceName(cfg),
		"environment", cfg.Environment,
		"sampler", sampler(cfg.SampleRatio).Description(),
		"log_spans", cfg.LogSpans,
	)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func serviceName(cfg ProviderConfig) string {
	if cfg.ServiceName == "" {
		return DefaultServiceName
	}
	return cfg.ServiceName
}

// newResource describes this service instance. The attributes are
// schemaless so they merge with the SDK defaults of any semconv version.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName(cfg)),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// newTracerProvider builds the tracer provider without registering it.
func newTracerProvider(cfg ProviderConfig, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithBatcher(NewLogExporter(slog.Default())))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// sampler keeps parent decisions and samples root spans by ratio.
func sampler(ratio *float64) sdktrace.Sampler {
	if ratio == nil || *ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*ratio))
}

// ─── Span log ────────────────────────────────────────────────────────────────

// LogExporter is a [sdktrace.SpanExporter] that writes each finished span as
// one "span finished" log line carrying the span name, correlation id,
// duration, status and attributes.
type LogExporter struct {
	log *slog.Logger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter returns a LogExporter writing to l.
func NewLogExporter(l *slog.Logger) *LogExporter {
	return &LogExporter{log: l}
}

// ExportSpans implements [sdktrace.SpanExporter].
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []slog.Attr{
			slog.String("span", s.Name()),
			slog.String("correlation_id", s.SpanContext().TraceID().String()),
			slog.String("span_id", s.SpanContext().SpanID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime())),
		}
		if st := s.Status(); st.Code == codes.Error {
			attrs = append(attrs, slog.String("status", "error"), slog.String("err", st.Description))
		}
		for _, kv := range s.Attributes() {
			attrs = append(attrs, slog.String(string(kv.Key), kv.Value.Emit()))
		}
		e.log.LogAttrs(ctx, slog.LevelInfo, "span finished", attrs...)
	}
	return nil
}

// Shutdown implements [sdktrace.SpanExporter].
func (e *LogExporter) Shutdown(context.Context) error { return nil }
