package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Correlation headers and the locals key under which the identifier is stored.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
	LocalCorrelationID  = "correlation_id"
)

type correlationIDKey struct{}

var correlationKey = correlationIDKey{}

// CorrelationID middleware ensures every request carries a correlation identifier.
// Browser websocket clients cannot set headers, so the correlation_id query parameter is accepted as well.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		incoming := firstNonEmpty(c.Get(HeaderCorrelationID), c.Get(HeaderRequestID), c.Query(LocalCorrelationID))
		if incoming == "" {
			incoming = uuid.NewString()
		}

		c.Locals(LocalCorrelationID, incoming)
		c.Set(HeaderCorrelationID, incoming)

		ctx := c.UserContext()
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("correlation.id", incoming))
		c.SetUserContext(context.WithValue(ctx, correlationKey, incoming))

		return c.Next()
	}
}

// CorrelationIDFromContext extracts the correlation identifier from context, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return ""
}

// GetCorrelationID returns the correlation identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(LocalCorrelationID).(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation attaches the correlation identifier to the provided context.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
