package feeder

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const resultTTL = 24 * time.Hour

func resultKey(queue, jobID string) string {
	return queue + ":result:" + jobID
}

// RedisDispatcher 任务LPUSH到队列, 由RedisWorker取出执行, 结果写回单独的key
type RedisDispatcher struct {
	client redis.Cmdable
	queue  string
}

func NewRedisDispatcher(client redis.Cmdable, queue string) *RedisDispatcher {
	return &RedisDispatcher{client: client, queue: queue}
}

type redisPending struct {
	client redis.Cmdable
	key    string
}

func (d *RedisDispatcher) Submit(ctx context.Context, job *Job) (Pending, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal job %s failed", job.ID)
	}
	if err := d.client.LPush(ctx, d.queue, data).Err(); err != nil {
		return nil, errors.WithMessagef(err, "push job %s failed", job.ID)
	}
	return &redisPending{client: d.client, key: resultKey(d.queue, job.ID)}, nil
}

func (p *redisPending) Poll(ctx context.Context) (*Result, bool, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithMessagef(err, "get %s failed", p.key)
	}
	result := &Result{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, false, errors.WithMessagef(err, "unmarshal %s failed", p.key)
	}
	// 结果只读一次
	p.client.Del(ctx, p.key)
	return result, true, nil
}

// RedisWorker 消费RedisDispatcher提交的任务
type RedisWorker struct {
	client  redis.Cmdable
	queue   string
	handler Handler
	// BRPOP的超时, 超时之后检查ctx是否结束
	PopTimeout time.Duration
	logger     *slog.Logger
}

func NewRedisWorker(client redis.Cmdable, queue string, handler Handler, logger *slog.Logger) *RedisWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWorker{
		client:     client,
		queue:      queue,
		handler:    handler,
		PopTimeout: time.Second,
		logger:     logger,
	}
}

// Run 一直消费直到ctx结束
func (w *RedisWorker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// RunOnce 最多处理一个任务, 队列为空时返回false
func (w *RedisWorker) RunOnce(ctx context.Context) (bool, error) {
	values, err := w.client.BRPop(ctx, w.PopTimeout, w.queue).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithMessagef(err, "pop %s failed", w.queue)
	}
	// values[0] 是队列名
	job := &Job{}
	if err := json.Unmarshal([]byte(values[1]), job); err != nil {
		w.logger.ErrorContext(ctx, "drop malformed job", "queue", w.queue, "err", err)
		return true, nil
	}
	w.logger.InfoContext(ctx, "worker got job", "job_id", job.ID, "seq", job.Seq, "definition", job.DefinitionName)
	result := runHandler(ctx, w.handler, job)
	data, err := json.Marshal(result)
	if err != nil {
		return true, errors.WithMessagef(err, "marshal result of job %s failed", job.ID)
	}
	if err := w.client.Set(ctx, resultKey(w.queue, job.ID), data, resultTTL).Err(); err != nil {
		return true, errors.WithMessagef(err, "save result of job %s failed", job.ID)
	}
	return true, nil
}
