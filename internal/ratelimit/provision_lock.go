package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenancy/internal/config"
)

const keyProvisionLock = "tenancy:provision:lock:"

// Deletes the key only while it still carries the caller's token, so a
// worker whose TTL lapsed cannot release a newer holder.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrLockHeld = errors.New("lock_held")

// ProvisionLock serialises provisioning of one tenant across processes.
// A nil ProvisionLock, or one built without Redis, always succeeds; the
// tenant row lock still applies.
type ProvisionLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProvisionLock(cfg config.Config, client *redis.Client) *ProvisionLock {
	ttl := cfg.RateLimit.ProvisionLockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProvisionLock{client: client, ttl: ttl}
}

// Acquire returns a release func. It fails with ErrLockHeld when another
// worker holds the tenant.
func (p *ProvisionLock) Acquire(ctx context.Context, tenantID string) (func(), error) {
	if p == nil || p.client == nil {
		return func() {}, nil
	}
	if tenantID == "" {
		return nil, errors.New("provision lock: tenant id is empty")
	}

	key := keyProvisionLock + tenantID
	token := ulid.Make().String()
	ok, err := p.client.SetNX(ctx, key, token, p.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = releaseIfOwner.Run(context.Background(), p.client, []string{key}, token).Err()
	}, nil
}
