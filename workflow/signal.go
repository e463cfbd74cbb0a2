package workflow

import (
	"fmt"

	"github.com/pkg/errors"
)

type SignalKind = string

const (
	// 当前token直接结束, 计入finished
	SignalContinue SignalKind = "continue"
	// 放弃当前token, 不计入finished
	SignalBreak SignalKind = "break"
	SignalAbort SignalKind = "abort"
	// 跳过当前token, 不计入finished
	SignalSkip SignalKind = "skip"
	// 当前token结束, cursor移动Offset个token
	SignalJumpToken SignalKind = "jump_token"
	// 当前token的位置移动Offset个兄弟节点
	SignalJumpCall SignalKind = "jump_call"
	// 挂起, 之后可以恢复
	SignalHalt SignalKind = "halt"
)

// Signal 任务返回的控制信号, 不是错误, 不会打error日志
type Signal struct {
	Kind    SignalKind
	Offset  int
	Message string
	// 挂起时给人看的建议操作, 比如 approval
	Action string
}

func (s *Signal) Error() string {
	switch s.Kind {
	case SignalJumpToken, SignalJumpCall:
		return fmt.Sprintf("workflow signal %s(%d)", s.Kind, s.Offset)
	case SignalHalt:
		return fmt.Sprintf("workflow signal halt: %s", s.Message)
	}
	return fmt.Sprintf("workflow signal %s", s.Kind)
}

func Continue() error { return &Signal{Kind: SignalContinue} }
func Break() error    { return &Signal{Kind: SignalBreak} }
func Abort() error    { return &Signal{Kind: SignalAbort} }
func Skip() error     { return &Signal{Kind: SignalSkip} }

func JumpTokenForward(n int) error { return &Signal{Kind: SignalJumpToken, Offset: n} }
func JumpTokenBack(n int) error    { return &Signal{Kind: SignalJumpToken, Offset: -n} }
func JumpCallForward(n int) error  { return &Signal{Kind: SignalJumpCall, Offset: n} }
func JumpCallBack(n int) error     { return &Signal{Kind: SignalJumpCall, Offset: -n} }

// Halt 挂起当前run, message和action会保存到token的side state
func Halt(message, action string) error {
	return &Signal{Kind: SignalHalt, Message: message, Action: action}
}

// RunError 任务失败之后run对外返回的错误
type RunError struct {
	RunID    string
	TokenID  string
	Position PositionVector
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("workflow run %s failed, token: %s, position: %s, err: %v", e.RunID, e.TokenID, e.Position, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// outcome 一次调用的结果分类
type outcome struct {
	signal *Signal
	fatal  error
}

// classifySignal 按照 Halt > 普通错误 > Abort/Break > Skip/Continue/Jump 的优先级
// 从错误树里面挑出最终生效的那个, 包装过或者join过的信号也能找到
func classifySignal(err error) outcome {
	var (
		halt    *Signal
		fatal   error
		abort   *Signal
		regular *Signal
	)
	var walk func(e error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if sig, ok := e.(*Signal); ok {
			switch sig.Kind {
			case SignalHalt:
				if halt == nil {
					halt = sig
				}
			case SignalAbort, SignalBreak:
				if abort == nil {
					abort = sig
				}
			default:
				if regular == nil {
					regular = sig
				}
			}
			return
		}
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		default:
			if fatal == nil {
				fatal = e
			}
		}
	}
	walk(err)
	switch {
	case halt != nil:
		return outcome{signal: halt}
	case fatal != nil:
		// 叶子是普通错误, 返回完整的错误链, 保留上层的message
		return outcome{fatal: err}
	case abort != nil:
		return outcome{signal: abort}
	case regular != nil:
		return outcome{signal: regular}
	}
	return outcome{fatal: err}
}

// IsSignal err里面是否带有控制信号
func IsSignal(err error) bool {
	var sig *Signal
	return errors.As(err, &sig)
}
