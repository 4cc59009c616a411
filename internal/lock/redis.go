package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisEvaler abstracts the minimal surface we need from a Redis client.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler adapts a go-redis client to RedisEvaler.
type GoRedisEvaler struct{ c redis.Scripter }

func NewGoRedisEvaler(c redis.Scripter) *GoRedisEvaler {
	return &GoRedisEvaler{c: c}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Connect builds a client from either a redis:// URL or a bare host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// acquireScript returns 0 when the lock is live, otherwise the new fencing
// token. The counter is raised to the floor in ARGV[2] so a flushed or
// restarted Redis never issues a token below one already committed.
const acquireScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local token = redis.call('INCR', KEYS[2])
local floor = tonumber(ARGV[2])
if token < floor then
  redis.call('SET', KEYS[2], ARGV[2])
  token = floor
end
redis.call('SET', KEYS[1], string.format('%d', token), 'PX', ARGV[1])
return token
`

const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const holdsScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return 1
end
return 0
`

func RedisLockKey(resourceKey string) string  { return "lock:" + resourceKey }
func RedisFenceKey(resourceKey string) string { return "lock:fence:" + resourceKey }

// RedisBackend stores leases in Redis using Lua scripts so each check-and-set
// is atomic on the server.
type RedisBackend struct {
	client RedisEvaler
	now    func() time.Time
}

func NewRedisBackend(client RedisEvaler) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func (r *RedisBackend) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	now := r.now()
	res, err := r.eval(ctx, acquireScript, []string{RedisLockKey(key), RedisFenceKey(key)}, ttl.Milliseconds(), fenceFloor(now))
	if err != nil {
		return Handle{}, err
	}
	token, err := toInt64(res)
	if err != nil {
		return Handle{}, err
	}
	if token == 0 {
		return Handle{}, ErrHeld
	}
	return Handle{ResourceKey: key, FencingToken: token, AcquiredAt: now, TTL: ttl}, nil
}

func (r *RedisBackend) Renew(ctx context.Context, h Handle) (Handle, error) {
	now := r.now()
	res, err := r.eval(ctx, renewScript, []string{RedisLockKey(h.ResourceKey)}, strconv.FormatInt(h.FencingToken, 10), h.TTL.Milliseconds())
	if err != nil {
		return Handle{}, err
	}
	ok, err := toInt64(res)
	if err != nil {
		return Handle{}, err
	}
	if ok == 0 {
		return Handle{}, ErrLeaseLost
	}
	h.AcquiredAt = now
	return h, nil
}

func (r *RedisBackend) Release(ctx context.Context, h Handle) error {
	_, err := r.eval(ctx, releaseScript, []string{RedisLockKey(h.ResourceKey)}, strconv.FormatInt(h.FencingToken, 10))
	return err
}

func (r *RedisBackend) Holds(ctx context.Context, h Handle) (bool, error) {
	res, err := r.eval(ctx, holdsScript, []string{RedisLockKey(h.ResourceKey)}, strconv.FormatInt(h.FencingToken, 10))
	if err != nil {
		return false, err
	}
	ok, err := toInt64(res)
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (r *RedisBackend) eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := r.client.Eval(ctx, script, keys, args...)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected redis reply %T", v)
	}
}
