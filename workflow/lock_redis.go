package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
)

// NewRedisRunLock 多进程共享同一个redis时使用
func NewRedisRunLock(redisClient redis.Cmdable) RunLock {
	return &redisRunLock{redisClient: redisClient}
}

type redisRunLock struct {
	redisClient redis.Cmdable
}

func (d *redisRunLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := lockValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisRunLock.NonBlockingSynchronized] key %s, err:%v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisRunLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisRunLock) releaseKey(key string, value string) {
	// ctx 可能已经被cancel，释放锁需要新开一个context
	reply, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.Warn("[redisRunLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		// 锁已经过期, 或者被别人持有了
		slog.Warn("[redisRunLock.releaseKey] key not released", "key", key, "reply", reply)
	}
}
