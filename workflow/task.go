package workflow

import (
	"context"
)

// PayloadFunc 只关心payload的任务, 返回值会替换token的payload
type PayloadFunc func(ctx context.Context, payload Value) (Value, error)

// NewPayloadTask 把PayloadFunc包装成TaskFunc
func NewPayloadTask(fn PayloadFunc) TaskFunc {
	return func(ctx context.Context, token *Token, run *Run) error {
		payload, err := fn(ctx, token.Payload)
		if err != nil {
			return err
		}
		token.Payload = payload
		return nil
	}
}

/**
 * @description: 所有规则都为true才执行任务, 否则什么都不做继续下一个节点
 * @param name 任务名称, 记录到task history
 * @param fn 任务函数
 * @param rules bool或者Evaluator
 */
func ExecuteIf(name string, fn TaskFunc, rules ...any) *Node {
	return Task(name, func(ctx context.Context, token *Token, run *Run) error {
		for _, rule := range rules {
			raw, err := evaluate(ctx, rule, token, run)
			if err != nil {
				return err
			}
			ok, err := toBool(raw)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		return fn(ctx, token, run)
	})
}

// PayloadField 取payload中某个字段的Evaluator, 常用于条件和foreach的列表
func PayloadField(keys ...string) Evaluator {
	return func(ctx context.Context, token *Token, run *Run) (any, error) {
		current := token.Payload
		for _, key := range keys {
			next, ok := current.Field(key)
			if !ok {
				return NullValue(), nil
			}
			current = next
		}
		return current, nil
	}
}

// Not 条件取反
func Not(cond any) Evaluator {
	return func(ctx context.Context, token *Token, run *Run) (any, error) {
		raw, err := evaluate(ctx, cond, token, run)
		if err != nil {
			return nil, err
		}
		b, err := toBool(raw)
		if err != nil {
			return nil, err
		}
		return !b, nil
	}
}
