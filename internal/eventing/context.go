package eventing

import (
	"context"

	"scada-core/internal/logging"
)

type contextKey string

const contextKeyEventID contextKey = "eventing.event_id"

// WithEventID sets event id in context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext builds metadata from context. The correlation id is the
// one carried for logging.
func MetaFromContext(ctx context.Context) Meta {
	meta := Meta{CorrelationID: logging.CorrelationID(ctx)}
	if id, ok := ctx.Value(contextKeyEventID).(string); ok {
		meta.EventID = id
	}
	return meta
}
