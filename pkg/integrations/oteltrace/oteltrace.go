// Package oteltrace links events to the OpenTelemetry span active in the
// capture context.
package oteltrace

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/beacon/pkg/client"
	"github.com/Mindburn-Labs/beacon/pkg/event"
)

// Name identifies the integration.
const Name = "OpenTelemetry"

type Integration struct{}

func New() Integration { return Integration{} }

func (Integration) Name() string { return Name }

func (i Integration) Setup(c *client.Client) {
	c.AddEventProcessor(i.Process)
}

// namedSpan is implemented by recording spans of the OpenTelemetry SDK.
type namedSpan interface {
	Name() string
}

// Process sets the trace context from the span in hint.Context. An event
// that already has a trace context is left alone. The span name becomes
// the transaction when the event has none.
func (Integration) Process(ev *event.Event, hint *event.Hint) *event.Event {
	if hint == nil || hint.Context == nil {
		return ev
	}
	span := trace.SpanFromContext(hint.Context)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ev
	}
	if ev.Contexts == nil {
		ev.Contexts = make(map[string]map[string]any)
	}
	if _, ok := ev.Contexts["trace"]; !ok {
		ev.Contexts["trace"] = map[string]any{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
			"sampled":  sc.IsSampled(),
		}
	}
	if ev.Transaction == "" {
		if named, ok := span.(namedSpan); ok {
			ev.Transaction = named.Name()
		}
	}
	return ev
}
