package workflow

import (
	"github.com/google/uuid"
)

// Token run里面的一个处理对象
// 状态只能由run修改, 任务只能读写Payload和SideState
type Token struct {
	ID          string
	RunID       string
	Seq         int
	Payload     Value
	SideState   *SideState
	TaskHistory []string
	Status      TokenStatus
	Position    PositionVector
	// Break/Abort/Skip或者被JumpTokenForward跳过的token, 不会再被处理
	Abandoned bool
	// 乐观锁版本号, 0表示还没有持久化
	Version int64
}

// NewToken 创建一个INITIAL状态的token
func NewToken(payload Value) *Token {
	return &Token{
		ID:          uuid.NewString(),
		Payload:     payload,
		SideState:   NewSideState(),
		TaskHistory: make([]string, 0),
		Status:      TokenStatusInitial,
	}
}

// IsDone 不会再被run处理的token
func (t *Token) IsDone() bool {
	return t.Abandoned || IsFinishedTokenStatus(t.Status) || t.Status == TokenStatusError
}

// HaltInfo 挂起时候保存的message和action
func (t *Token) HaltInfo() (message string, action string, ok bool) {
	if t.SideState == nil || !t.SideState.Has(sideStateKeyHalt) {
		return "", "", false
	}
	message, _ = t.SideState.GetString(sideStateKeyHalt, "message")
	action, _ = t.SideState.GetString(sideStateKeyHalt, "action")
	return message, action, true
}

// Event ResumeRun时候外部传进来的事件
func (t *Token) Event(keys ...string) (Value, bool) {
	if t.SideState == nil {
		return Value{}, false
	}
	return t.SideState.Get(append([]string{SideStateKeyEvent}, keys...)...)
}

// Clone 深拷贝, 持久化和测试使用
func (t *Token) Clone() *Token {
	cloned := *t
	cloned.Payload = t.Payload.Clone()
	if t.SideState != nil {
		cloned.SideState = t.SideState.Clone()
	}
	cloned.TaskHistory = append([]string{}, t.TaskHistory...)
	cloned.Position = t.Position.Clone()
	return &cloned
}
