package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_queue/internal/queue"
)

// TracerName is the instrumentation scope for every span the module starts.
const TracerName = "github.com/austindbirch/harbor_queue"

const messagingSystem = "harbor_queue"

// Config controls how spans are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	// Endpoint is host:port of an OTLP/HTTP collector; a scheme prefix is tolerated.
	Endpoint string
	// SampleRatio applies to root spans only; children follow their parent.
	SampleRatio float64
	Disabled    bool
}

// ConfigFromEnv reads the OTEL_* and deployment variables for serviceName.
func ConfigFromEnv(serviceName string) Config {
	cfg := Config{
		ServiceName:    serviceName,
		ServiceVersion: firstEnv("dev", "SERVICE_VERSION"),
		InstanceID:     firstEnv("unknown", "HOSTNAME", "POD_NAME"),
		Endpoint:       firstEnv("tempo:4318", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRatio:    1,
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		cfg.SampleRatio = v
	}
	if v, err := strconv.ParseBool(os.Getenv("OTEL_SDK_DISABLED")); err == nil {
		cfg.Disabled = v
	}
	return cfg
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// Init installs the global tracer provider and propagator. The returned
// function flushes pending spans. With cfg.Disabled only the propagator is
// installed, so headers still pass through untouched.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Disabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func endpointHost(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}

func tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// StartPublishSpan starts a producer span for a message bound for topic and
// writes its context into headers.
func StartPublishSpan(ctx context.Context, topic string, headers queue.Headers, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, topic+" publish",
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(messagingAttrs(topic, "publish")...),
		oteltrace.WithAttributes(attrs...),
	)
	InjectHeaders(ctx, headers)
	return ctx, span
}

// StartProcessSpan continues the trace carried in headers with a consumer
// span for a message taken from topic.
func StartProcessSpan(ctx context.Context, topic string, headers queue.Headers, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return tracer().Start(ctx, topic+" process",
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(messagingAttrs(topic, "process")...),
		oteltrace.WithAttributes(attrs...),
	)
}

func messagingAttrs(topic, op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", messagingSystem),
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.operation", op),
	}
}

// AddSpanEvent records an event on the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, oteltrace.WithAttributes(attrs...))
	}
}

// SetSpanError marks the span in ctx as failed.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// GetTraceID returns the hex trace id in ctx, or "" when there is none.
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the hex span id in ctx, or "" when there is none.
func GetSpanID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// PropagateTrace serializes the trace context for storage in a task payload.
func PropagateTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractTrace restores a context serialized by PropagateTrace.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// HeaderCarrier adapts queue.Headers to propagation.TextMapCarrier.
type HeaderCarrier queue.Headers

func (c HeaderCarrier) Get(key string) string { return queue.Headers(c).Get(key) }

func (c HeaderCarrier) Set(key, value string) { queue.Headers(c).Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders writes the trace context in ctx into h. Nil headers are left alone.
func InjectHeaders(ctx context.Context, h queue.Headers) {
	if h == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(h))
}

// ExtractHeaders returns ctx continued from the trace context in h.
func ExtractHeaders(ctx context.Context, h queue.Headers) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(h))
}
