package tracing

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var sensitiveKeys = []string{"password", "secret", "token", "credential", "authorization", "email"}

// SafeAttributes drops attributes whose keys suggest credentials or personal data.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitiveKey(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error safe to attach to a span. Messages mentioning
// credentials are replaced with a generic marker.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, key := range sensitiveKeys {
		if strings.Contains(msg, key) {
			return errors.New("redacted_error")
		}
	}
	return err
}

// ExtractContext reads W3C trace context from the carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
