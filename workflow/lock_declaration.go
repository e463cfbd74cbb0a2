package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	LockFailedError = errors.New("lock failed")
)

const runLockKeyPrefix = "resumable-workflow:run:"

// RunLockKey 处理同一个run时使用的锁key
func RunLockKey(runID string) string {
	return fmt.Sprintf("%s%s", runLockKeyPrefix, runID)
}

// RunLock 保证同一个run同一时间只有一个处理者
type RunLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回LockFailedError
	//                 2.可以重入锁, 同一个ctx里面再次加同一个key直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 一般是RunLockKey(runID)
	//  @param maxLockTimeDuration 锁最大的时间, 超时自动释放
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

func lockValue() string {
	return fmt.Sprintf("%d_%d", lockRand.Int63(), time.Now().UnixNano())
}
