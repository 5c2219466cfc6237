// Package tracing exports spans for captures, relay traffic, debugging
// channel commands and store writes to Jaeger. With tracing disabled every
// helper runs against the global no-op provider.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "rtcwatch"

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// Provider owns the SDK tracer provider when tracing is enabled.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider as the global one. The sample rate
// is clamped to [0, 1]; child spans follow their parent's decision.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

func clampRate(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	}
	return rate
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

var (
	TabIDKey       = attribute.Key("rtcwatch.tab_id")
	StrategyKey    = attribute.Key("rtcwatch.capture.strategy")
	AttemptsKey    = attribute.Key("rtcwatch.capture.attempts")
	ConnectionsKey = attribute.Key("rtcwatch.capture.connections")
	QualityKey     = attribute.Key("rtcwatch.capture.quality")
	SampleIDKey    = attribute.Key("rtcwatch.sample.id")
	EvictedKey     = attribute.Key("rtcwatch.store.evicted")
	ResultCodeKey  = attribute.Key("rtcwatch.capture.error")
	DurationKey    = attribute.Key("rtcwatch.capture.duration_ms")
	TargetIDKey    = attribute.Key("rtcwatch.devtools.target")
	MethodKey      = attribute.Key("rtcwatch.devtools.method")
	MessageTypeKey = attribute.Key("rtcwatch.relay.message_type")
	StoreOpKey     = attribute.Key("rtcwatch.store.operation")
	StoreKeyKey    = attribute.Key("rtcwatch.store.key")
)

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceRelayMessage covers handling one message received from a page relay.
func TraceRelayMessage(ctx context.Context, messageType, tabID string) (context.Context, trace.Span) {
	return start(ctx, "relay."+messageType,
		MessageTypeKey.String(messageType),
		TabIDKey.String(tabID),
	)
}

// TraceCapture covers one acquisition run of a strategy in a tab. Finish it
// with SetCaptureOutcome before ending the span.
func TraceCapture(ctx context.Context, strategy, tabID string) (context.Context, trace.Span) {
	return start(ctx, "capture."+strategy,
		StrategyKey.String(strategy),
		TabIDKey.String(tabID),
	)
}

func TraceDebuggerCommand(ctx context.Context, method, target string) (context.Context, trace.Span) {
	return start(ctx, "devtools."+method,
		MethodKey.String(method),
		TargetIDKey.String(target),
	)
}

func TraceStoreOperation(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return start(ctx, "store."+operation,
		StoreOpKey.String(operation),
		StoreKeyKey.String(key),
	)
}

// CaptureOutcome is what a finished capture reports on its span. Zero
// fields are left off.
type CaptureOutcome struct {
	Success     bool
	Attempts    int
	Connections int
	Quality     string
	SampleID    string
	Error       string
	Duration    time.Duration
}

// SetCaptureOutcome records out on span and marks the span failed when the
// capture did not succeed.
func SetCaptureOutcome(span trace.Span, out CaptureOutcome) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{ConnectionsKey.Int(out.Connections)}
	if out.Attempts > 0 {
		attrs = append(attrs, AttemptsKey.Int(out.Attempts))
	}
	if out.Quality != "" {
		attrs = append(attrs, QualityKey.String(out.Quality))
	}
	if out.SampleID != "" {
		attrs = append(attrs, SampleIDKey.String(out.SampleID))
	}
	if out.Duration > 0 {
		attrs = append(attrs, DurationKey.Int64(out.Duration.Milliseconds()))
	}
	if out.Error != "" {
		attrs = append(attrs, ResultCodeKey.String(out.Error))
	}
	span.SetAttributes(attrs...)

	if out.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, out.Error)
	}
}

// RecordSample tags the current store span with the id of the sample just
// written and how many old samples it pushed out.
func RecordSample(ctx context.Context, sampleID string, evicted int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(SampleIDKey.String(sampleID))
	if evicted > 0 {
		span.SetAttributes(EvictedKey.Int(evicted))
	}
}

// RecordError marks the current span failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
