package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowDefinitionNotFound          = errors.New("workflow definition not found")
	ErrWorkflowDefinitionInvalid           = errors.New("workflow definition invalid")
	ErrWorkflowDefinitionAlreadyRegistered = errors.New("workflow definition already registered")
	ErrTaskNotFound                        = errors.New("workflow task not found")
	ErrTaskAlreadyRegistered               = errors.New("workflow task already registered")
	ErrEvaluatorNotFound                   = errors.New("workflow evaluator not found")
	ErrEvaluatorAlreadyRegistered          = errors.New("workflow evaluator already registered")
	ErrExpressionCompilerMissing           = errors.New("workflow expression compiler missing")
	ErrRunNotFound                         = errors.New("workflow run not found")
	ErrRunParamInvalid                     = errors.New("workflow run param invalid")
	ErrRunNotResumable                     = errors.New("workflow run not resumable")
	ErrRunVersionConflict                  = errors.New("workflow run version conflict")
	ErrPositionInvalid                     = errors.New("workflow position invalid")
	// 条件/循环边界的值类型不对，比如条件返回了字符串
	ErrControlValueInvalid = errors.New("workflow control value invalid")

	// 下面这个两个错误信息给业务上面使用,目前用于报警定义
	// 如果你希望这种错误在定时脚本打印error 使用errors.Wrapf(ErrWorkBussinessCriticalError, "err message: %s", err)
	// 如果你希望这种错误在定时脚本打印warn 使用errors.Wrapf(ErrWorkBussinessWarningError, "err message: %s", err)
	ErrWorkBussinessCriticalError = errors.New("work bussiness critical error") // 业务严重错误，需要人工介入处理
	ErrWorkBussinessWarningError  = errors.New("work bussiness warning error")  // 业务警告错误，打印warn级别日志
)

type RunStatus = string

const (
	RunStatusNew     RunStatus = "new"
	RunStatusRunning RunStatus = "running"
	// 挂起, 可以恢复执行
	RunStatusHalted RunStatus = "halted"
	// 失败, 终止状态, 需要人工介入
	RunStatusError RunStatus = "error"
	// 完成, 终止状态, 所有token都完成了
	RunStatusCompleted RunStatus = "completed"
)

func IsOverRunStatus(status RunStatus) bool {
	return status == RunStatusError || status == RunStatusCompleted
}

func GetRunStatusText(status RunStatus) string {
	switch status {
	case RunStatusNew:
		return "新建"
	case RunStatusRunning:
		return "运行中"
	case RunStatusHalted:
		return "挂起"
	case RunStatusError:
		return "失败"
	case RunStatusCompleted:
		return "完成"
	}
	return "未知"
}

type TokenStatus = string

const (
	TokenStatusInitial TokenStatus = "initial"
	TokenStatusRunning TokenStatus = "running"
	TokenStatusHalted  TokenStatus = "halted"
	TokenStatusError   TokenStatus = "error"
	// 走到了流程定义的末尾
	TokenStatusCompleted TokenStatus = "completed"
	// 被Continue/Jump信号提前结束, 已经持久化的终止状态
	TokenStatusFinal TokenStatus = "final"
)

// IsFinishedTokenStatus 计入finished计数器的状态
func IsFinishedTokenStatus(status TokenStatus) bool {
	return status == TokenStatusCompleted || status == TokenStatusFinal
}

func GetTokenStatusText(status TokenStatus) string {
	switch status {
	case TokenStatusInitial:
		return "初始化"
	case TokenStatusRunning:
		return "运行中"
	case TokenStatusHalted:
		return "挂起"
	case TokenStatusError:
		return "失败"
	case TokenStatusCompleted:
		return "完成"
	case TokenStatusFinal:
		return "终止"
	}
	return "未知"
}

// ResumePoint 挂起的token恢复时从哪里开始
type ResumePoint = string

const (
	// 重新执行挂起的那个节点, 默认值
	ResumeRestartTask ResumePoint = "restart_task"
	// 跳过挂起的那个节点, 从下一个兄弟节点开始
	ResumeContinueNext ResumePoint = "continue_next"
)

// side state 里面引擎自己使用的key
const (
	sideStateKeyConditions = "conditions"
	sideStateKeyIterators  = "iterators"
	sideStateKeyHalt       = "halt"
	// SideStateKeyEvent 外部输入的事件, ResumeRun的时候写入挂起token的side state
	SideStateKeyEvent = "event"
)

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理处理，
// 1. 当前run不会重试，异常结束
// 2. 或者当前run没有办法正常运行，需要人工介入处理,如定义不正确
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowDefinitionNotFound) ||
		errors.Is(causeErr, ErrWorkflowDefinitionInvalid) ||
		errors.Is(causeErr, ErrTaskNotFound) ||
		errors.Is(causeErr, ErrEvaluatorNotFound) ||
		errors.Is(causeErr, ErrRunNotFound) ||
		errors.Is(causeErr, ErrPositionInvalid) ||
		errors.Is(causeErr, ErrControlValueInvalid) ||
		errors.Is(causeErr, ErrWorkBussinessCriticalError) {
		return true
	}
	var runErr *RunError
	return errors.As(err, &runErr)
}
