package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// 辅助函数：构造指针参数
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

type CreateRunReq struct {
	DefinitionName string         `json:"definition_name" validate:"required"`
	Payloads       []any          `json:"payloads" validate:"required,min=1"`
	SideState      map[string]any `json:"side_state"`
	IsRun          bool           `json:"is_run"`
}

type ResumeRunReq struct {
	RunID       string         `json:"run_id" validate:"required"`
	ResumePoint ResumePoint    `json:"resume_point" validate:"omitempty,oneof=restart_task continue_next"`
	Event       map[string]any `json:"event"`
}

type RunDetail struct {
	ID             string
	DefinitionName string
	Status         RunStatus
	StatusText     string
	Cursor         int
	Position       string
	SideState      map[string]any
	Counters       Counters
	Abandoned      int
	CreatedAt      int64
	UpdatedAt      int64
	Tokens         []*TokenDetail
}

type TokenDetail struct {
	ID          string
	Seq         int
	Status      TokenStatus
	StatusText  string
	Position    string
	Abandoned   bool
	Payload     any
	SideState   map[string]any
	TaskHistory []string
	// 挂起时保存的信息
	HaltMessage string
	HaltAction  string
}

func newRunDetail(run *Run) *RunDetail {
	detail := &RunDetail{
		ID:             run.ID,
		DefinitionName: run.DefinitionName,
		Status:         run.Status,
		StatusText:     GetRunStatusText(run.Status),
		Cursor:         run.Cursor,
		Position:       run.Position.String(),
		SideState:      run.SideState.ToMap(),
		Counters:       run.Counters,
		Abandoned:      run.AbandonedCount(),
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
		Tokens:         make([]*TokenDetail, 0, len(run.Tokens)),
	}
	for _, token := range run.Tokens {
		message, action, _ := token.HaltInfo()
		detail.Tokens = append(detail.Tokens, &TokenDetail{
			ID:          token.ID,
			Seq:         token.Seq,
			Status:      token.Status,
			StatusText:  GetTokenStatusText(token.Status),
			Position:    token.Position.String(),
			Abandoned:   token.Abandoned,
			Payload:     token.Payload.Interface(),
			SideState:   token.SideState.ToMap(),
			TaskHistory: append([]string{}, token.TaskHistory...),
			HaltMessage: message,
			HaltAction:  action,
		})
	}
	return detail
}

func (s *EngineServiceImpl) runOptions(opts ...RunOption) []RunOption {
	return append([]RunOption{
		WithRunStore(s.repo),
		WithLogger(s.logger),
		WithMetrics(s.metrics),
	}, opts...)
}

func (s *EngineServiceImpl) CreateRun(ctx context.Context, req *CreateRunReq) (*RunDetail, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrRunParamInvalid, "CreateRun failed, req: %v,err: %v", req, err)
	}
	definition, err := s.registry.Definition(req.DefinitionName)
	if err != nil && req.IsRun {
		// 需要立刻执行，说明创建和执行在同一个进程里面，找不到定义需要返回错误
		return nil, errors.WithMessagef(err, "Definition failed, definitionName: %s", req.DefinitionName)
	}
	if err != nil {
		// 这里不用返回错误，创建和执行run的可能不在同一个进程里面，创建的进程中可能没有注册定义
		s.logger.Warning(ctx, "definition not loaded when creating run", "definition", req.DefinitionName, "err", err)
	}

	payloads := make([]Value, 0, len(req.Payloads))
	for i, raw := range req.Payloads {
		payload, err := ValueOf(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrRunParamInvalid, "CreateRun failed, payload %d: %v", i, err)
		}
		payloads = append(payloads, payload)
	}
	sideState, err := NewSideStateFromMap(req.SideState)
	if err != nil {
		return nil, errors.Wrapf(ErrRunParamInvalid, "CreateRun failed, side state: %v", err)
	}

	var run *Run
	if definition != nil {
		run, err = NewRun(definition, payloads, s.runOptions(WithRunSideState(sideState))...)
		if err != nil {
			return nil, err
		}
	} else {
		run = newUnboundRun(req.DefinitionName, payloads, sideState)
	}

	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		for _, token := range run.Tokens {
			if err := s.repo.SaveToken(ctx, token, token.Version); err != nil {
				return errors.WithMessagef(err, "SaveToken failed, tokenID: %s", token.ID)
			}
		}
		return s.repo.SaveRun(ctx, run, RunStatusNew)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "CreateRun failed, definitionName: %s", req.DefinitionName)
	}
	s.logger.Info(ctx, "workflow run created", "run_id", run.ID, "definition", run.DefinitionName, "tokens", len(run.Tokens))

	if req.IsRun {
		// 如果需要立即执行，则需要执行run
		if err := s.ProcessRun(ctx, run.ID); err != nil {
			return nil, errors.WithMessagef(err, "ProcessRun failed, runID: %s", run.ID)
		}
		return s.GetRunDetail(ctx, run.ID)
	}
	return newRunDetail(run), nil
}

// newUnboundRun 只用来持久化, 执行的时候再绑定定义
func newUnboundRun(definitionName string, payloads []Value, sideState *SideState) *Run {
	run := &Run{
		ID:             uuid.NewString(),
		DefinitionName: definitionName,
		Tokens:         make([]*Token, 0, len(payloads)),
		Position:       RootPosition(),
		SideState:      sideState,
		Status:         RunStatusNew,
	}
	for seq, payload := range payloads {
		token := NewToken(payload)
		token.RunID = run.ID
		token.Seq = seq
		run.Tokens = append(run.Tokens, token)
	}
	return run
}

// loadRun 必须在持有run的锁之后调用
func (s *EngineServiceImpl) loadRun(ctx context.Context, runID string, opts ...RunOption) (*Run, error) {
	record, err := s.repo.LoadRunByID(ctx, runID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadRunByID failed, runID: %s", runID)
	}
	definition, err := s.registry.Definition(record.DefinitionName)
	if err != nil {
		return nil, errors.WithMessagef(err, "Definition failed, definitionName: %s", record.DefinitionName)
	}
	return LoadRun(ctx, s.repo, definition, runID, s.runOptions(opts...)...)
}

func (s *EngineServiceImpl) ProcessRun(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.Wrapf(ErrRunParamInvalid, "ProcessRun failed, runID is empty")
	}
	err := s.executeLock.NonBlockingSynchronized(ctx,
		RunLockKey(runID),
		s.lockTTL,
		func(ctx context.Context) error {
			run, err := s.loadRun(ctx, runID)
			if err != nil {
				return err
			}
			if run.Status == RunStatusHalted {
				return errors.WithMessagef(ErrRunNotResumable, "run %s is halted, use ResumeRun", runID)
			}
			return run.Process(ctx)
		})
	if err != nil {
		s.logProcessError(ctx, runID, err)
		return errors.WithMessagef(err, "ProcessRun failed, runID: %s", runID)
	}
	return nil
}

func (s *EngineServiceImpl) ResumeRun(ctx context.Context, req *ResumeRunReq) error {
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrRunParamInvalid, "ResumeRun failed, req: %v,err: %v", req, err)
	}
	err := s.executeLock.NonBlockingSynchronized(ctx,
		RunLockKey(req.RunID),
		s.lockTTL,
		func(ctx context.Context) error {
			run, err := s.loadRun(ctx, req.RunID)
			if err != nil {
				return err
			}
			if run.Status != RunStatusHalted {
				return errors.WithMessagef(ErrRunNotResumable, "run %s status is %s", req.RunID, run.Status)
			}
			if req.Event != nil {
				event, err := ValueOf(req.Event)
				if err != nil {
					return errors.Wrapf(ErrRunParamInvalid, "ResumeRun failed, event: %v", err)
				}
				// 事件写入挂起的token, 恢复的时候和token一起持久化
				for _, token := range run.Tokens {
					if token.Status == TokenStatusHalted {
						if err := token.SideState.Set([]string{SideStateKeyEvent}, event); err != nil {
							return err
						}
					}
				}
			}
			return run.Resume(ctx, req.ResumePoint)
		})
	if err != nil {
		s.logProcessError(ctx, req.RunID, err)
		return errors.WithMessagef(err, "ResumeRun failed, runID: %s", req.RunID)
	}
	return nil
}

func (s *EngineServiceImpl) logProcessError(ctx context.Context, runID string, err error) {
	switch {
	case errors.Is(err, LockFailedError):
		// 其他进程正在处理, 很常见
		s.logger.Debug(ctx, "workflow run is locked", "run_id", runID)
	case errors.Is(err, ErrWorkBussinessWarningError):
		s.logger.Warning(ctx, "workflow run failed", "run_id", runID, "err", err)
	case IsSeriousError(err):
		s.logger.Error(ctx, fmt.Sprintf("workflow run failed, run_id: %s, err: %+v", runID, err))
	default:
		s.logger.Warning(ctx, "workflow run failed", "run_id", runID, "err", err)
	}
}

func (s *EngineServiceImpl) QueryRuns(ctx context.Context, params *QueryRunParams) ([]*RunPo, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrRunParamInvalid, "QueryRuns failed, params: %v,err: %v", params, err)
	}
	runs, err := s.repo.QueryRuns(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryRuns failed, params: %v", params)
	}
	return runs, nil
}

func (s *EngineServiceImpl) CountRuns(ctx context.Context, params *QueryRunParams) (int64, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return 0, errors.Wrapf(ErrRunParamInvalid, "CountRuns failed, params: %v,err: %v", params, err)
	}
	count, err := s.repo.CountRuns(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountRuns failed, params: %v", params)
	}
	return count, nil
}

func (s *EngineServiceImpl) GetRunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	if runID == "" {
		return nil, errors.Wrapf(ErrRunParamInvalid, "GetRunDetail failed, runID is empty")
	}
	run, err := s.repo.LoadRunByID(ctx, runID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadRunByID failed, runID: %s", runID)
	}
	tokens, err := s.repo.LoadTokensForRun(ctx, runID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadTokensForRun failed, runID: %s", runID)
	}
	run.Tokens = tokens
	return newRunDetail(run), nil
}
