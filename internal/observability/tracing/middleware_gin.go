package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrorClassifier maps a handler error to ("client"|"server", error type).
type ErrorClassifier func(err error) (string, string)

// GinMiddleware opens a server span per request. Tenant and admin actor are
// attached once the route middleware has resolved them.
func GinMiddleware(classify ErrorClassifier) gin.HandlerFunc {
	tracer := otel.Tracer("tenancy/http")
	return func(c *gin.Context) {
		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withBaggage(ctx, "request_id", requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)...)

		reqCtx := c.Request.Context()
		if tenantID := obscontext.TenantIDFromContext(reqCtx); tenantID != "" {
			span.SetAttributes(attribute.String("tenant.id", tenantID))
		}
		if actorType, actorID := obscontext.ActorFromContext(reqCtx); actorType != "" {
			span.SetAttributes(
				attribute.String("actor.type", actorType),
				attribute.String("actor.id", actorID),
			)
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		if classify != nil {
			kind, errType := classify(lastErr.Err)
			span.SetAttributes(
				attribute.String("error.kind", kind),
				attribute.String("error.type", errType),
			)
		}
		if status >= http.StatusInternalServerError {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func withBaggage(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMember(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
