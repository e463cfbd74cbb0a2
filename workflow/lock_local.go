package workflow

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var lockRand = rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano())})

type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// NewLocalRunLock 单进程使用的锁
func NewLocalRunLock() RunLock {
	return &localRunLock{
		locks: &sync.Map{},
	}
}

type localRunLock struct {
	locks *sync.Map // key -> *localLockInfo
}

type localLockInfo struct {
	mu       sync.Mutex
	state    sync.Mutex  // 保护下面的字段
	value    string      // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time   // 过期时间
	timer    *time.Timer // 超时定时器
}

func (l *localRunLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}

	value := lockValue()
	lockInfo, _ := l.locks.LoadOrStore(key, &localLockInfo{})
	info := lockInfo.(*localLockInfo)
	if !info.mu.TryLock() {
		return errors.WithMessagef(LockFailedError, "[localRunLock.NonBlockingSynchronized] key %s has been locked", key)
	}

	info.state.Lock()
	info.value = value
	info.expireAt = time.Now().Add(maxLockTimeDuration)
	// 超时自动释放
	info.timer = time.AfterFunc(maxLockTimeDuration, func() {
		l.releaseKey(key, value)
	})
	info.state.Unlock()

	defer l.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localRunLock) releaseKey(key string, value string) {
	lockInfo, ok := l.locks.Load(key)
	if !ok {
		return
	}
	info := lockInfo.(*localLockInfo)
	info.state.Lock()
	defer info.state.Unlock()
	if info.value != value {
		// 已经超时释放, 被别人重新持有了
		slog.Debug("[localRunLock.releaseKey] value mismatch", "key", key, "expected", info.value, "got", value)
		return
	}
	if info.timer != nil {
		info.timer.Stop()
	}
	info.value = ""
	// info常驻map, 同一个key始终对应同一把锁
	info.mu.Unlock()
}
