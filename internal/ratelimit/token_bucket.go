package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Tokens are stored scaled by 1000 so the integer reply Redis returns for
// Lua numbers keeps fractional refills.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst * 1000
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst * 1000, tokens + math.floor(delta * rate))
  ts = now
end

local allowed = 0
if tokens >= 1000 then
  allowed = 1
  tokens = tokens - 1000
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tokens, ts}
`

var (
	ErrLimiterNotConfigured = errors.New("rate limiter not configured")
	ErrInvalidLimiterInput  = errors.New("invalid rate limiter input")
)

type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from the bucket at key. rate is tokens per second.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return &RateLimitResult{}, ErrLimiterNotConfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return &RateLimitResult{}, ErrInvalidLimiterInput
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := t.script.Run(
		ctx,
		t.client,
		[]string{key},
		rate,
		burst,
		ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return &RateLimitResult{}, err
	}
	if len(res) < 3 {
		return &RateLimitResult{}, errors.New("invalid rate limit script response")
	}

	allowed := toInt64(res[0]) == 1
	remaining := float64(toInt64(res[1])) / 1000
	ts := toInt64(res[2])

	var retryAfter time.Duration
	if !allowed {
		if needed := 1 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}

	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      burst,
		Remaining:  int(remaining),
		ResetTime:  time.UnixMilli(ts).Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}
