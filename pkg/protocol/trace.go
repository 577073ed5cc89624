package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTrace stores the span context of ctx in the message context.
func InjectTrace(ctx context.Context, msg *Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return
	}
	if msg.Context == nil {
		msg.Context = make(map[string]string, len(carrier))
	}
	for k, v := range carrier {
		msg.Context[k] = v
	}
}

// ExtractTrace returns ctx enriched with the span context carried by msg.
func ExtractTrace(ctx context.Context, msg *Message) context.Context {
	if len(msg.Context) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Context))
}
