package workflow

import (
	"context"
	"time"
)

type EngineService interface {
	/**
	 * @description: 创建run, 每个payload对应一个token
	 * @param ctx context.Context
	 * @param req *CreateRunReq
	 *				  req.DefinitionName 为流程定义名称
	 *				  req.Payloads 为token的payload, 至少一个
	 *				  req.SideState 为run级别的初始side state
	 *				  req.IsRun 为是否立即执行, 如果为true, 则创建之后直接ProcessRun
	 * @return *RunDetail, error
	 */
	CreateRun(ctx context.Context, req *CreateRunReq) (*RunDetail, error)
	/**
	 * @description: 执行run, 直到全部token完成, 挂起或者失败
	 *				 一个run只会被一个goroutine运行
	 *				 如果有其他goroutine正在运行该run，则返回LockFailedError
	 *				 任务失败返回的错误里面带有*RunError
	 * @param ctx context.Context
	 * @param runID string
	 * @return error
	 */
	ProcessRun(ctx context.Context, runID string) error
	/**
	 * @description: 恢复挂起的run, 只有挂起状态可以恢复
	 *                如果有其他goroutine正在运行该run，则返回LockFailedError
	 * @param ctx context.Context
	 * @param req *ResumeRunReq
	 *				  req.RunID 为run ID
	 *				  req.ResumePoint 为恢复的位置, restart_task 重新执行挂起的节点, continue_next 从下一个节点开始
	 *				  req.Event 为外部事件, 会写入挂起token的side state的 event 字段
	 * @return error
	 */
	ResumeRun(ctx context.Context, req *ResumeRunReq) error
	/**
	 * @description: 查询run列表
	 * @param ctx context.Context
	 * @param params *QueryRunParams
	 * @return []*RunPo, error
	 */
	QueryRuns(ctx context.Context, params *QueryRunParams) ([]*RunPo, error)
	/**
	 * @description: 查询run数量
	 * @param ctx context.Context
	 * @param params *QueryRunParams
	 * @return int64, error
	 */
	CountRuns(ctx context.Context, params *QueryRunParams) (int64, error)
	/**
	 * @description: 查询run详情, 包括所有token
	 * @param ctx context.Context
	 * @param runID string
	 * @return *RunDetail, error
	 */
	GetRunDetail(ctx context.Context, runID string) (*RunDetail, error)
}

// EngineServiceImpl 流程引擎服务
type EngineServiceImpl struct {
	repo        RunStore
	executeLock RunLock
	registry    *Registry
	logger      Logger
	metrics     *Metrics
	lockTTL     time.Duration
}

type EngineServiceOption func(s *EngineServiceImpl)

func WithServiceLogger(logger Logger) EngineServiceOption {
	return func(s *EngineServiceImpl) { s.logger = logger }
}

func WithServiceMetrics(metrics *Metrics) EngineServiceOption {
	return func(s *EngineServiceImpl) { s.metrics = metrics }
}

// WithLockTTL 处理一个run最长持有锁的时间, 默认10分钟
func WithLockTTL(ttl time.Duration) EngineServiceOption {
	return func(s *EngineServiceImpl) { s.lockTTL = ttl }
}

func NewEngineService(repo RunStore, executeLock RunLock, registry *Registry, opts ...EngineServiceOption) EngineService {
	s := &EngineServiceImpl{
		repo:        repo,
		executeLock: executeLock,
		registry:    registry,
		lockTTL:     10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NewSlogLogger(nil)
	}
	if s.executeLock == nil {
		s.executeLock = NewLocalRunLock()
	}
	return s
}
