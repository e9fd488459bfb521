package server

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	"go.uber.org/zap"
)

const registrationOutcomeRateLimited = "rate_limited"

// RegistrationRateLimit throttles public registrations per client address.
// A limiter failure lets the request through; registration is not worth an
// outage when Redis is down.
func (s *Server) RegistrationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.registrationLimiter == nil || !s.registrationLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		clientKey := strings.TrimSpace(c.ClientIP())
		if clientKey == "" {
			clientKey = "unknown"
		}

		result, err := s.registrationLimiter.Allow(ctx, clientKey)
		if err != nil {
			logger.FromContext(ctx).Warn("registration rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if result != nil && !result.Allowed {
			denyRegistration(c, result, s.obsMetrics)
			return
		}

		setRateLimitHeaders(c, result)
		c.Next()
	}
}

func denyRegistration(c *gin.Context, result *ratelimit.RateLimitResult, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("registration rate limit exceeded",
		zap.String("client_ip", c.ClientIP()),
		zap.Duration("retry_after", result.RetryAfter),
	)
	recordRegistrationOutcome(ctx, registrationOutcomeRateLimited, metrics)

	setRateLimitHeaders(c, result)
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(result.RetryAfter)))
	AbortWithError(c, ErrRateLimited)
}

func setRateLimitHeaders(c *gin.Context, result *ratelimit.RateLimitResult) {
	if result == nil || result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetTime.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

func recordRegistrationOutcome(ctx context.Context, outcome string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRegistration(ctx, outcome)
}
