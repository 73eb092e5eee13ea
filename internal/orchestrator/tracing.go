package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the globally registered provider; without one, spans are
// no-ops and the run pays nothing.
var tracer = otel.Tracer("harness/orchestrator")

// startSessionSpan opens a span covering one backend session.
func startSessionSpan(ctx context.Context, sessionID, backendName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "backend.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.backend", backendName),
		),
	)
}

// endSessionSpan records the outcome and closes the span.
func endSessionSpan(span trace.Span, exitStatus int, errMsg string) {
	span.SetAttributes(attribute.Int("session.exit_status", exitStatus))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
