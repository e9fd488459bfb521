package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/tenancy/internal/config"
)

const keyRegistration = "tenancy:registration:%s"

// RegistrationLimiter throttles public sign-ups per client address.
type RegistrationLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewRegistrationLimiter(cfg config.Config, bucket *TokenBucket) *RegistrationLimiter {
	if !cfg.RateLimit.Enabled || bucket == nil {
		return nil
	}
	return &RegistrationLimiter{
		bucket: bucket,
		rate:   cfg.RateLimit.RegistrationRate,
		burst:  cfg.RateLimit.RegistrationBurst,
	}
}

func (l *RegistrationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *RegistrationLimiter) Allow(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyRegistration, strings.TrimSpace(clientKey)), l.rate, l.burst)
}
