// Package feeder 把一批payload喂给外部的任务队列, 同时轮询已经完成的结果
// 队列里面未完成的任务数量有上限, 一端失败之后另一端也会停止
package feeder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrFeederFailed = errors.New("feeder failed")

// Job 一个需要创建并执行的run
type Job struct {
	ID             string `json:"id"`
	Seq            int    `json:"seq"`
	DefinitionName string `json:"definition_name"`
	Payload        any    `json:"payload"`
}

// Result 任务执行结果, 任务本身失败时Error不为空
type Result struct {
	JobID  string `json:"job_id"`
	Seq    int    `json:"seq"`
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Dispatcher 任务队列
type Dispatcher interface {
	// Submit 提交任务, 不等待执行完成
	Submit(ctx context.Context, job *Job) (Pending, error)
}

// Pending 已经提交的任务
type Pending interface {
	// Poll 不阻塞, 任务完成之前返回 nil, false, nil
	Poll(ctx context.Context) (*Result, bool, error)
}

type Options struct {
	MaxQueueLength int
	SleepTime      time.Duration
	Logger         *slog.Logger
}

type Feeder struct {
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	slots   *semaphore.Weighted
	mu      sync.Mutex
	pending []Pending
	failed  atomic.Bool
}

// New MaxQueueLength默认25, SleepTime默认3秒
func New(dispatcher Dispatcher, opts Options) *Feeder {
	if opts.MaxQueueLength <= 0 {
		opts.MaxQueueLength = 25
	}
	if opts.SleepTime <= 0 {
		opts.SleepTime = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		slots:      semaphore.NewWeighted(int64(opts.MaxQueueLength)),
	}
}

// Failed 失败标记, 设置之后不会再提交新的任务
func (f *Feeder) Failed() bool {
	return f.failed.Load()
}

func (f *Feeder) fail() {
	f.failed.Store(true)
}

/**
 * @description: 提交所有payload并按完成顺序回调onResult, 一个Feeder只能Feed一次
 *               onResult 返回错误或者提交失败都会设置失败标记, 两边都会停止
 * @param ctx context.Context
 * @param definitionName 每个payload创建一个这个定义的run
 * @param payloads []any
 * @param onResult 每个完成的任务回调一次, 不会并发调用
 * @return error 失败时带有ErrFeederFailed
 */
func (f *Feeder) Feed(ctx context.Context, definitionName string, payloads []any, onResult func(*Result) error) error {
	g, ctx := errgroup.WithContext(ctx)
	var producing atomic.Bool
	producing.Store(true)

	g.Go(func() error {
		defer producing.Store(false)
		for idx, payload := range payloads {
			if f.Failed() {
				f.logger.ErrorContext(ctx, "feeder has been signaled to stop", "submitted", idx)
				return errors.WithMessage(ErrFeederFailed, "producer stopped")
			}
			if err := f.slots.Acquire(ctx, 1); err != nil {
				f.fail()
				return errors.WithMessagef(ErrFeederFailed, "wait queue slot: %v", err)
			}
			job := &Job{
				ID:             uuid.NewString(),
				Seq:            idx,
				DefinitionName: definitionName,
				Payload:        payload,
			}
			f.logger.InfoContext(ctx, "feeding job", "seq", idx, "job_id", job.ID)
			pending, err := f.dispatcher.Submit(ctx, job)
			if err != nil {
				f.slots.Release(1)
				f.fail()
				f.logger.ErrorContext(ctx, "feeder exited prematurely", "seq", idx, "err", err)
				return errors.WithMessagef(ErrFeederFailed, "submit job %d: %v", idx, err)
			}
			f.mu.Lock()
			f.pending = append(f.pending, pending)
			f.mu.Unlock()
		}
		return nil
	})

	g.Go(func() error {
		for {
			result, err := f.nextFinished(ctx)
			if err != nil {
				f.fail()
				return err
			}
			if result == nil {
				if !producing.Load() && f.outstanding() == 0 {
					return nil
				}
				if f.Failed() {
					return errors.WithMessage(ErrFeederFailed, "feeder stopped unexpectedly")
				}
				select {
				case <-ctx.Done():
					f.fail()
					return errors.WithMessagef(ErrFeederFailed, "%v", ctx.Err())
				case <-time.After(f.opts.SleepTime):
				}
				continue
			}
			if result.Error != "" {
				f.logger.ErrorContext(ctx, "a job has resulted in failure", "seq", result.Seq, "job_id", result.JobID, "err", result.Error)
			}
			if err := onResult(result); err != nil {
				f.fail()
				return errors.WithMessagef(ErrFeederFailed, "handle result of job %d: %v", result.Seq, err)
			}
		}
	})
	return g.Wait()
}

func (f *Feeder) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// nextFinished 取出一个已经完成的任务, 没有的话返回nil
func (f *Feeder) nextFinished(ctx context.Context) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pending := range f.pending {
		result, done, err := pending.Poll(ctx)
		if err != nil {
			return nil, errors.WithMessagef(ErrFeederFailed, "poll job: %v", err)
		}
		if !done {
			continue
		}
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		f.slots.Release(1)
		return result, nil
	}
	return nil, nil
}
