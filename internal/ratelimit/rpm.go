// Package ratelimit gates completion traffic with a Redis sliding window so a
// burst of callers cannot blow through provider quotas or the cost budget in a
// single minute.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow trims expired members from a sorted set, counts the remainder
// and admits the request if the count is under the limit. Runs atomically so
// concurrent callers cannot both claim the last slot.
// KEYS[1] = window key
// ARGV[1] = now in unix nanoseconds
// ARGV[2] = window size in nanoseconds
// ARGV[3] = max requests per window
// Returns 1 when admitted, 0 when over the limit.
var slidingWindow = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const globalWindowKey = "orchestrator:rpm:global"

// RPMLimiter enforces a global requests-per-minute ceiling across all
// orchestrator instances sharing the same Redis.
type RPMLimiter struct {
	rdb   *redis.Client
	limit int
	log   *slog.Logger
}

// NewRPMLimiter builds a limiter admitting at most limit requests per minute.
// A limit ≤ 0 rejects every request.
func NewRPMLimiter(rdb *redis.Client, limit int, logger *slog.Logger) *RPMLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, limit: limit, log: logger}
}

// Allow reports whether the current request fits in the window. When Redis is
// unreachable the limiter fails open and admits the request.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	admitted, err := slidingWindow.Run(ctx, r.rdb,
		[]string{globalWindowKey},
		now, window, r.limit,
	).Int()
	if err != nil {
		r.log.WarnContext(ctx, "ratelimit_redis_unavailable", slog.String("error", err.Error()))
		return true, nil
	}
	return admitted == 1, nil
}
