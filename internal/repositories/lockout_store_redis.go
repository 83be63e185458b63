package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BradenHooton/keyforge/internal/models"
)

// failureScript is the Redis form of models.LockoutPolicy.ApplyFailure.
// Timestamps are unix milliseconds, 0 meaning unset. The fifth reply is 1
// only when this call engaged the lock.
var failureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local maxAttempts = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local base = tonumber(ARGV[4])
local incremental = tonumber(ARGV[5])
local maxDur = tonumber(ARGV[6])
local ttl = tonumber(ARGV[7])

local v = redis.call('HMGET', KEYS[1], 'failed', 'first', 'until', 'lockouts')
local failed = tonumber(v[1] or '0')
local first = tonumber(v[2] or '0')
local lockedUntil = tonumber(v[3] or '0')
local lockouts = tonumber(v[4] or '0')

if lockedUntil > 0 then
	if lockedUntil > now then
		return {failed, first, lockedUntil, lockouts, 0}
	end
	lockedUntil = 0
	failed = 0
	first = 0
end

if first > 0 and window > 0 and now - first > window then
	failed = 0
	first = 0
end

if first == 0 then
	first = now
end
failed = failed + 1

local engaged = 0
if failed >= maxAttempts then
	engaged = 1
	lockouts = lockouts + 1
	local d = base
	if incremental == 1 then
		for i = 2, lockouts do
			d = d * 2
			if maxDur > 0 and d >= maxDur then
				d = maxDur
				break
			end
		end
	end
	if maxDur > 0 and d > maxDur then
		d = maxDur
	end
	lockedUntil = now + d
end

redis.call('HSET', KEYS[1], 'failed', failed, 'first', first, 'until', lockedUntil, 'lockouts', lockouts)
local expire = ttl
if lockedUntil - now > expire then
	expire = lockedUntil - now
end
redis.call('PEXPIRE', KEYS[1], expire)
return {failed, first, lockedUntil, lockouts, engaged}
`)

const defaultLockoutRecordTTL = 24 * time.Hour

// RedisLockoutStore shares lockout counters across instances.
type RedisLockoutStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLockoutStore(client redis.UniversalClient, prefix string) *RedisLockoutStore {
	if prefix == "" {
		prefix = "kf:lock:"
	}
	return &RedisLockoutStore{client: client, prefix: prefix}
}

func (s *RedisLockoutStore) Get(ctx context.Context, key string) (*models.LockoutCounter, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lockout get: %v", models.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	parse := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	return counterFromReply(key, []int64{parse("failed"), parse("first"), parse("until"), parse("lockouts")}), nil
}

func (s *RedisLockoutStore) RecordFailure(ctx context.Context, key string, policy models.LockoutPolicy, now time.Time) (*models.LockoutCounter, bool, error) {
	ttl := policy.RecordTTL
	if ttl <= 0 {
		ttl = defaultLockoutRecordTTL
	}
	incremental := 0
	if policy.Incremental {
		incremental = 1
	}

	res, err := failureScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(),
		policy.MaxAttempts,
		policy.Window.Milliseconds(),
		policy.Duration.Milliseconds(),
		incremental,
		policy.MaxDuration.Milliseconds(),
		ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("%w: lockout record: %v", models.ErrUnavailable, err)
	}
	if len(res) != 5 {
		return nil, false, fmt.Errorf("%w: lockout record: unexpected reply", models.ErrUnavailable)
	}
	return counterFromReply(key, res), res[4] == 1, nil
}

func (s *RedisLockoutStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: lockout reset: %v", models.ErrUnavailable, err)
	}
	return nil
}

func counterFromReply(key string, res []int64) *models.LockoutCounter {
	c := &models.LockoutCounter{
		Key:          key,
		FailedCount:  int(res[0]),
		LockoutCount: int(res[3]),
	}
	if res[1] > 0 {
		t := time.UnixMilli(res[1]).UTC()
		c.FirstFailure = &t
	}
	if res[2] > 0 {
		t := time.UnixMilli(res[2]).UTC()
		c.LockedUntil = &t
	}
	return c
}
