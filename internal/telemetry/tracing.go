package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ppiankov/callwarden"

// Attribute keys set on call spans.
const (
	AttrTool          = attribute.Key("callwarden.tool")
	AttrSessionID     = attribute.Key("callwarden.session_id")
	AttrSideEffect    = attribute.Key("callwarden.side_effect")
	AttrEffect        = attribute.Key("callwarden.effect")
	AttrSource        = attribute.Key("callwarden.source")
	AttrDecidedBy     = attribute.Key("callwarden.decided_by")
	AttrPolicyVersion = attribute.Key("callwarden.policy_version")
	AttrPolicyError   = attribute.Key("callwarden.policy_error")
	AttrToolExecuted  = attribute.Key("callwarden.tool_executed")
)

// TracingConfig configures the trace provider.
type TracingConfig struct {
	// SampleRate in [0,1]. Default 1.
	SampleRate float64
	// Exporter receives finished spans in batches. Nil keeps spans in
	// process, which is enough for propagation.
	Exporter sdktrace.SpanExporter
}

// NewTracerProvider builds an SDK provider, installs it globally together
// with the W3C propagators, and returns it for shutdown.
func NewTracerProvider(cfg TracingConfig) *sdktrace.TracerProvider {
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0 || cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.ParentBased(sampler))}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp
}

// Shutdown flushes and stops tp.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

func spanStatus(span trace.Span, effect string, toolErr string) {
	switch {
	case toolErr != "":
		span.SetStatus(codes.Error, toolErr)
	case effect == "DENIED":
		span.SetStatus(codes.Error, "denied")
	default:
		span.SetStatus(codes.Ok, "")
	}
}
