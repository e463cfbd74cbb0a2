package feeder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/blingmoon/resumable-workflow/workflow"
)

// NewRunHandler 每个任务创建一个run并立即执行
// 挂起的run也算成功, 之后通过ResumeRun继续
func NewRunHandler(service workflow.EngineService) Handler {
	return func(ctx context.Context, job *Job) (*Result, error) {
		detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{
			DefinitionName: job.DefinitionName,
			Payloads:       []any{job.Payload},
			IsRun:          true,
		})
		if err != nil {
			var runErr *workflow.RunError
			if errors.As(err, &runErr) {
				return &Result{RunID: runErr.RunID, Status: workflow.RunStatusError}, err
			}
			return nil, err
		}
		return &Result{RunID: detail.ID, Status: detail.Status}, nil
	}
}
