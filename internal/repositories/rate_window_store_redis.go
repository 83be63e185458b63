package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/keyforge/internal/models"
)

// hitScript increments only while under the limit, so a rejected request
// never extends or inflates the window. Returns {allowed, count, pttl}.
var hitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if current >= limit then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], window)
		ttl = window
	end
	return {0, current, ttl}
end
current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {1, current, ttl}
`)

var refundScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

// RedisRateWindowStore keeps fixed windows in Redis so every instance
// shares one budget.
type RedisRateWindowStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateWindowStore(client redis.UniversalClient, prefix string) *RedisRateWindowStore {
	if prefix == "" {
		prefix = "kf:rl:"
	}
	return &RedisRateWindowStore{client: client, prefix: prefix}
}

func (s *RedisRateWindowStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (models.RateDecision, error) {
	res, err := hitScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return models.RateDecision{}, fmt.Errorf("%w: rate window: %v", models.ErrUnavailable, err)
	}
	if len(res) != 3 {
		return models.RateDecision{}, fmt.Errorf("%w: rate window: unexpected reply", models.ErrUnavailable)
	}

	if res[0] == 0 {
		return models.RateDecision{
			Allowed:    false,
			RetryAfter: time.Duration(res[2]) * time.Millisecond,
		}, nil
	}
	return models.RateDecision{Allowed: true, Remaining: limit - int(res[1])}, nil
}

func (s *RedisRateWindowStore) Refund(ctx context.Context, key string) error {
	if err := refundScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: rate refund: %v", models.ErrUnavailable, err)
	}
	return nil
}
