package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/petrijr/flowline/pkg/api"
)

// RedisLimiter is a Limiter shared by every worker connected to the same
// Redis. Rate limits use a fixed window of Per; concurrency slots are a
// counter that expires after SlotTTL so crashed workers cannot hold a slot
// forever.
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	logger  zerolog.Logger
	SlotTTL time.Duration
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithLogger sets the logger used for slot release failures.
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(l *RedisLimiter) { l.logger = logger }
}

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter returns a RedisLimiter. prefix defaults to
// "flowline:limit".
func NewRedisLimiter(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisLimiter {
	if prefix == "" {
		prefix = "flowline:limit"
	}
	l := &RedisLimiter{
		client:  client,
		prefix:  prefix,
		logger:  zerolog.Nop(),
		SlotTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// acquireScript returns {granted, retryAfterMs}. retryAfterMs is -1 when the
// concurrency cap is the reason for the denial.
var acquireScript = redis.NewScript(`
local paused = redis.call('PTTL', KEYS[1])
if paused > 0 then
	return {0, paused}
end
local concurrency = tonumber(ARGV[3])
if concurrency > 0 then
	local inflight = tonumber(redis.call('GET', KEYS[3]) or '0')
	if inflight >= concurrency then
		return {0, -1}
	end
end
local limit = tonumber(ARGV[1])
if limit > 0 then
	local n = redis.call('INCR', KEYS[2])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[2], ARGV[2])
	end
	if n > limit then
		local ttl = redis.call('PTTL', KEYS[2])
		if ttl < 0 then
			ttl = tonumber(ARGV[2])
		end
		return {0, ttl}
	end
end
if concurrency > 0 then
	redis.call('INCR', KEYS[3])
	redis.call('PEXPIRE', KEYS[3], ARGV[4])
end
return {1, 0}
`)

// pauseScript sets the pause marker unless a longer pause is running.
var pauseScript = redis.NewScript(`
if redis.call('PTTL', KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], 1, 'PX', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
local inflight = tonumber(redis.call('GET', KEYS[1]) or '0')
if inflight > 0 then
	redis.call('DECR', KEYS[1])
end
return 1
`)

func (l *RedisLimiter) key(kind string, key GroupKey) string {
	return l.prefix + ":" + kind + ":" + key.String()
}

func (l *RedisLimiter) Acquire(ctx context.Context, key GroupKey, policy api.GroupPolicy) (Permit, error) {
	limit := 0
	var windowMs int64
	if policy.Limit > 0 && policy.Per > 0 {
		limit = policy.Limit
		windowMs = policy.Per.Milliseconds()
		if windowMs < 1 {
			windowMs = 1
		}
	}
	concurrency := 0
	if policy.Concurrency > 0 {
		concurrency = policy.Concurrency
	}

	slotKey := l.key("slots", key)
	res, err := acquireScript.Run(ctx, l.client,
		[]string{l.key("pause", key), l.key("window", key), slotKey},
		limit, windowMs, concurrency, l.SlotTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Permit{}, err
	}
	if len(res) != 2 {
		return Permit{}, fmt.Errorf("unexpected limiter reply %v", res)
	}

	if res[0] == 0 {
		if res[1] < 0 {
			return denied(ConcurrencyRetryAfter), nil
		}
		return denied(time.Duration(res[1]) * time.Millisecond), nil
	}
	if concurrency == 0 {
		return granted(nil), nil
	}
	return granted(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{slotKey}).Err(); err != nil {
			l.logger.Warn().Err(err).Str("group", key.String()).Msg("release concurrency slot failed")
		}
	}), nil
}

func (l *RedisLimiter) Pause(ctx context.Context, key GroupKey, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 1 {
		return nil
	}
	return pauseScript.Run(ctx, l.client, []string{l.key("pause", key)}, ms).Err()
}
