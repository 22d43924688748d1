package emit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each scheduler event into a zero-duration span named
// after its Kind, tagged with the execution/node/computation identifiers.
// Ported from the teacher's OTelEmitter (graph/emit/otel.go), generalized
// from workflow-step spans to scheduler-event spans.
type OTelEmitter struct {
	tracer trace.Tracer
}

func NewOTelEmitter(tracerName string) *OTelEmitter {
	return &OTelEmitter{tracer: otel.Tracer(tracerName)}
}

func (e *OTelEmitter) Emit(event Event) {
	_, span := e.tracer.Start(context.Background(), event.Kind)
	defer span.End()
	span.SetAttributes(
		attribute.String("execution_id", event.ExecutionID),
		attribute.String("node_name", event.NodeName),
		attribute.String("computation_id", event.ComputationID),
		attribute.Int64("revision", event.Revision),
	)
	if event.Kind == "failed" || event.Kind == "abandoned" {
		span.SetStatus(codes.Error, event.Kind)
	}
}

func (e *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		e.Emit(ev)
	}
	return nil
}

func (e *OTelEmitter) Flush(context.Context) error { return nil }
