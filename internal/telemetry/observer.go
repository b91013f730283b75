package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/model"
)

// Observer opens a span per call and records metrics when the call's
// audit event is final. Either half may be nil.
type Observer struct {
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// NewObserver uses tp for spans, or the global provider when tp is nil.
func NewObserver(tp trace.TracerProvider, m *Metrics) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Observer{tracer: tp.Tracer(tracerName), metrics: m, now: time.Now}
}

// Observe starts the call span. The returned function ends it.
func (o *Observer) Observe(ctx context.Context, env *model.Envelope) (context.Context, func(*audit.Event)) {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, "callwarden.call "+env.Tool(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTool.String(env.Tool()),
			AttrSessionID.String(env.SessionID()),
			AttrSideEffect.String(string(env.SideEffect())),
		),
	)
	return ctx, func(ev *audit.Event) {
		span.SetAttributes(
			AttrEffect.String(string(ev.Decision)),
			AttrSource.String(string(ev.Source)),
			AttrDecidedBy.String(ev.DecidedBy),
			AttrPolicyVersion.String(ev.PolicyVersion),
			AttrPolicyError.Bool(ev.PolicyError),
			AttrToolExecuted.Bool(ev.ToolExecuted),
		)
		spanStatus(span, string(ev.Decision), ev.ToolError)
		span.End()
		if o.metrics != nil {
			o.metrics.Record(ev, o.now().Sub(start))
		}
	}
}
