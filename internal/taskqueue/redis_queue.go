package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on top of Redis.
//
// Keys, for a queue named N under prefix P:
//
//	P:N:tasks   HASH  task id -> JSON encoded Task
//	P:N:ready   ZSET  task id scored by NotBefore (unix ms)
//	P:N:leases  ZSET  task id scored by lease expiry (unix ms)
//	P:N:owners  HASH  task id -> lease owner
//	P:N:expired HASH  task id -> leases that expired since the last Nack
//
// Claims, acks and nacks run as Lua scripts so each is atomic.
type RedisQueue struct {
	client       redis.UniversalClient
	tasksKey     string
	readyKey     string
	leasesKey    string
	ownersKey    string
	expiredKey   string
	pollInterval time.Duration
	now          func() time.Time
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue returns the queue with the given name. prefix defaults to
// "flowline:queue".
func NewRedisQueue(client redis.UniversalClient, prefix, name string) *RedisQueue {
	if prefix == "" {
		prefix = "flowline:queue"
	}
	if name == "" {
		name = DefaultQueueName
	}
	base := prefix + ":" + name
	return &RedisQueue{
		client:       client,
		tasksKey:     base + ":tasks",
		readyKey:     base + ":ready",
		leasesKey:    base + ":leases",
		ownersKey:    base + ":owners",
		expiredKey:   base + ":expired",
		pollInterval: 25 * time.Millisecond,
		now:          time.Now,
	}
}

// claimScript moves expired leases back to the ready set, counting each
// expiry, then leases the first ready task to the caller. It returns the
// encoded task and its expiry count.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('HINCRBY', KEYS[5], id, 1)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return {redis.call('HGET', KEYS[4], id), redis.call('HGET', KEYS[5], id) or '0'}
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0') < tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0') < tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
if tonumber(redis.call('ZSCORE', KEYS[1], ARGV[1]) or '0') < tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.tasksKey, t.ID, data)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now()
		res, err := claimScript.Run(ctx, q.client,
			[]string{q.readyKey, q.leasesKey, q.ownersKey, q.tasksKey, q.expiredKey},
			now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner,
		).StringSlice()
		if err == nil {
			if len(res) != 2 {
				return nil, fmt.Errorf("unexpected claim reply of %d values", len(res))
			}
			t, err := DecodeTask([]byte(res[0]))
			if err != nil {
				return nil, fmt.Errorf("decode task: %w", err)
			}
			expired, err := strconv.Atoi(res[1])
			if err != nil {
				return nil, fmt.Errorf("decode expiry count of task %s: %w", t.ID, err)
			}
			t.Attempts += expired
			return t, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err := waitOrDone(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func leaseResult(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return leaseResult(ackScript.Run(ctx, q.client,
		[]string{q.leasesKey, q.ownersKey, q.tasksKey, q.expiredKey},
		taskID, owner, q.now().UnixMilli(),
	).Int64())
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	raw, err := q.client.HGet(ctx, q.tasksKey, taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	t, err := DecodeTask(raw)
	if err != nil {
		return fmt.Errorf("decode task %s: %w", taskID, err)
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	data, err := EncodeTask(*t)
	if err != nil {
		return err
	}

	return leaseResult(nackScript.Run(ctx, q.client,
		[]string{q.leasesKey, q.ownersKey, q.tasksKey, q.readyKey, q.expiredKey},
		taskID, owner, q.now().UnixMilli(), data, notBefore.UnixMilli(),
	).Int64())
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	now := q.now()
	return leaseResult(renewScript.Run(ctx, q.client,
		[]string{q.leasesKey, q.ownersKey},
		taskID, owner, now.UnixMilli(), now.Add(leaseTTL).UnixMilli(),
	).Int64())
}

func (q *RedisQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.client.HLen(ctx, q.tasksKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
