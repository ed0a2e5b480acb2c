package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// rateLimitScript is a sliding-window counter over a sorted set keyed
// by request timestamp. Trim, count, and insert happen in one script,
// so the classical read-then-write bypass race cannot occur.
//
// Returns {allowed, remaining, resetAtMs}.
var rateLimitScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// Decision is the rate limiter verdict with observability fields.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter enforces per-user execution quotas across processes.
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	limit  int
	now    func() time.Time // injectable for tests
}

func NewRateLimiter(client *redis.Client, limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{client: client, window: window, limit: limit, now: time.Now}
}

// Check atomically counts and records one request. Fails closed: when
// the backend is unreachable the request is denied, because unlimited
// execution on an outage is worse than a stalled button.
func (rl *RateLimiter) Check(ctx context.Context, userID, bucket string) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, userID)
	nowMs := rl.now().UnixMilli()

	res, err := rateLimitScript.Run(ctx, rl.client,
		[]string{key},
		nowMs, rl.window.Milliseconds(), rl.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: false}, common.Wrap(common.KindTransient, "rate limiter backend unavailable", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: false}, common.E(common.KindInternal, "unexpected rate limiter reply")
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}
