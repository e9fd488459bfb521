package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID = "X-Request-Id"
	ctxKeyRequestID = "request_id"
)

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps the last handler error to (kind, type).
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware emits one access log line per request. Bodies are never
// logged because registration payloads carry passwords.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}

		var errType string
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			var errKind string
			errKind, errType = cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_kind", errKind), zap.String("error_type", errType))
			if cfg.Debug {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		// Tenant middleware stores the tenant on the request context after
		// this handler wrapped it, so re-read it here.
		log := FromContext(c.Request.Context())
		if ce := log.Check(accessLevel(route, status, errType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	id := strings.TrimSpace(c.GetHeader(headerRequestID))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	c.Set(ctxKeyRequestID, id)
	c.Header(headerRequestID, id)
	return id
}

// accessLevel keeps probes and entitlement gating checks, which run on every
// tenant page load, out of info logs.
func accessLevel(route string, status int, errType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case strings.HasPrefix(route, "/api/tenant/entitlements") && errType != "plan_limit_exceeded":
		return zapcore.DebugLevel
	case status >= http.StatusBadRequest && errType == "":
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
