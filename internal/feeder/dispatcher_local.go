package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Handler 执行一个任务, 返回的错误会记录到Result.Error
type Handler func(ctx context.Context, job *Job) (*Result, error)

// LocalDispatcher 每个任务一个goroutine, 单进程使用
type LocalDispatcher struct {
	handler Handler
}

func NewLocalDispatcher(handler Handler) *LocalDispatcher {
	return &LocalDispatcher{handler: handler}
}

type localPending struct {
	done   chan struct{}
	result *Result
}

func (d *LocalDispatcher) Submit(ctx context.Context, job *Job) (Pending, error) {
	p := &localPending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.result = runHandler(context.WithoutCancel(ctx), d.handler, job)
	}()
	return p, nil
}

func (p *localPending) Poll(ctx context.Context) (*Result, bool, error) {
	select {
	case <-p.done:
		return p.result, true, nil
	default:
		return nil, false, nil
	}
}

// runHandler handler的错误和panic都转成Result.Error
func runHandler(ctx context.Context, handler Handler, job *Job) (result *Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("feeder job panic: %v, job_id: %s, stack: %s", p, job.ID, string(debug.Stack())))
			result = &Result{JobID: job.ID, Seq: job.Seq, Error: fmt.Sprintf("panic: %v", p)}
		}
	}()
	result, err := handler(ctx, job)
	if result == nil {
		result = &Result{}
	}
	result.JobID = job.ID
	result.Seq = job.Seq
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
