package workflow

import (
	"context"
)

// RunStore run的持久化接口, 每个方法本身是原子的
// SaveRun/SaveToken 使用乐观锁: 传入的版本号和库里不一致时返回ErrRunVersionConflict,
// 成功之后会把run/token的Version加一
type RunStore interface {
	SaveRun(ctx context.Context, run *Run, status RunStatus) error
	// LoadRunByID 返回的run没有token和定义, 一般通过LoadRun使用
	LoadRunByID(ctx context.Context, id string) (*Run, error)
	SaveToken(ctx context.Context, token *Token, version int64) error
	LoadTokensForRun(ctx context.Context, runID string) ([]*Token, error)
	QueryRuns(ctx context.Context, param *QueryRunParams) ([]*RunPo, error)
	CountRuns(ctx context.Context, param *QueryRunParams) (int64, error)
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
