package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Counters run的计数器
type Counters struct {
	Initial  int `json:"initial"`
	Halted   int `json:"halted"`
	Error    int `json:"error"`
	Finished int `json:"finished"`
}

// Run 一个流程定义在一组token上的一次执行
// 同一个run同一时间只能被一个goroutine处理
type Run struct {
	ID             string
	DefinitionName string
	Tokens         []*Token
	Cursor         int
	Position       PositionVector
	SideState      *SideState
	Status         RunStatus
	Counters       Counters
	// 乐观锁版本号, 0表示还没有持久化
	Version   int64
	CreatedAt int64
	UpdatedAt int64

	definition   *WorkflowDefinition
	store        RunStore
	logger       Logger
	metrics      *Metrics
	resumePoint  ResumePoint
	repositioned bool
}

type RunOption func(r *Run)

func WithRunID(id string) RunOption {
	return func(r *Run) { r.ID = id }
}

func WithRunStore(store RunStore) RunOption {
	return func(r *Run) { r.store = store }
}

func WithLogger(logger Logger) RunOption {
	return func(r *Run) { r.logger = logger }
}

func WithMetrics(metrics *Metrics) RunOption {
	return func(r *Run) { r.metrics = metrics }
}

func WithResumePoint(point ResumePoint) RunOption {
	return func(r *Run) { r.resumePoint = point }
}

func WithRunSideState(sideState *SideState) RunOption {
	return func(r *Run) { r.SideState = sideState }
}

// NewRun 创建一个NEW状态的run, 每个payload对应一个INITIAL的token
func NewRun(definition *WorkflowDefinition, payloads []Value, opts ...RunOption) (*Run, error) {
	if definition == nil {
		return nil, errors.WithMessage(ErrWorkflowDefinitionInvalid, "definition is nil")
	}
	r := &Run{
		ID:             uuid.NewString(),
		DefinitionName: definition.Name(),
		Tokens:         make([]*Token, 0, len(payloads)),
		Position:       RootPosition(),
		SideState:      NewSideState(),
		Status:         RunStatusNew,
		CreatedAt:      time.Now().Unix(),
	}
	if err := r.bind(definition, opts...); err != nil {
		return nil, err
	}
	for seq, payload := range payloads {
		token := NewToken(payload)
		token.RunID = r.ID
		token.Seq = seq
		r.Tokens = append(r.Tokens, token)
	}
	return r, nil
}

// LoadRun 从store恢复run和它的token, 之后调用Process就会从挂起的位置继续
func LoadRun(ctx context.Context, store RunStore, definition *WorkflowDefinition, id string, opts ...RunOption) (*Run, error) {
	if store == nil {
		return nil, errors.WithMessage(ErrRunParamInvalid, "store is nil")
	}
	r, err := store.LoadRunByID(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "load run %s failed", id)
	}
	tokens, err := store.LoadTokensForRun(ctx, id)
	if err != nil {
		return nil, errors.WithMessagef(err, "load tokens of run %s failed", id)
	}
	r.Tokens = tokens
	if err := r.bind(definition, append([]RunOption{WithRunStore(store)}, opts...)...); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Run) bind(definition *WorkflowDefinition, opts ...RunOption) error {
	if definition == nil {
		return errors.WithMessage(ErrWorkflowDefinitionInvalid, "definition is nil")
	}
	if r.DefinitionName != "" && r.DefinitionName != definition.Name() {
		return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "run %s belongs to %s, not %s", r.ID, r.DefinitionName, definition.Name())
	}
	r.definition = definition
	r.DefinitionName = definition.Name()
	for _, opt := range opts {
		opt(r)
	}
	if r.SideState == nil {
		r.SideState = NewSideState()
	}
	if r.store == nil {
		r.store = NewMemoryRunStore()
	}
	if r.logger == nil {
		r.logger = NewSlogLogger(nil)
	}
	if r.resumePoint == "" {
		r.resumePoint = ResumeRestartTask
	}
	return nil
}

func (r *Run) Definition() *WorkflowDefinition {
	return r.definition
}

// CurrentToken cursor指向的token, 处理完了返回nil
func (r *Run) CurrentToken() *Token {
	if r.Cursor < 0 || r.Cursor >= len(r.Tokens) {
		return nil
	}
	return r.Tokens[r.Cursor]
}

func (r *Run) AbandonedCount() int {
	count := 0
	for _, token := range r.Tokens {
		if token.Abandoned {
			count++
		}
	}
	return count
}

// Resume 恢复一个挂起的run
func (r *Run) Resume(ctx context.Context, point ResumePoint) error {
	if r.Status != RunStatusHalted {
		return errors.WithMessagef(ErrRunNotResumable, "run %s status is %s", r.ID, r.Status)
	}
	if point != "" {
		r.resumePoint = point
	}
	return r.Process(ctx)
}

// Process 依次处理所有token, 直到全部完成, 遇到挂起或者任务失败
// 任务失败返回*RunError, 持久化失败原样返回
func (r *Run) Process(ctx context.Context) error {
	if r.definition == nil {
		return errors.WithMessage(ErrWorkflowDefinitionInvalid, "run has no definition")
	}
	switch r.Status {
	case RunStatusCompleted:
		return nil
	case RunStatusError:
		return errors.WithMessagef(ErrRunNotResumable, "run %s is in error status", r.ID)
	}
	r.Counters.Initial = len(r.Tokens)
	r.Status = RunStatusRunning
	r.logger.Info(ctx, "workflow run start", "run_id", r.ID, "definition", r.DefinitionName, "tokens", len(r.Tokens), "cursor", r.Cursor)
	if err := r.store.SaveRun(ctx, r, r.Status); err != nil {
		return errors.WithMessagef(err, "save run %s failed", r.ID)
	}
	r.metrics.runStarted()
	defer func() {
		r.metrics.runFinished(r.DefinitionName, r.Status)
	}()

	for r.Cursor < len(r.Tokens) {
		token := r.Tokens[r.Cursor]
		if token.IsDone() {
			r.Cursor++
			continue
		}
		halted, err := r.processToken(ctx, token)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
	return r.finish(ctx)
}

func (r *Run) processToken(ctx context.Context, token *Token) (bool, error) {
	// 恢复时写入的事件只给恢复后执行的第一个节点用, 之后的挂起要重新等事件
	pendingEvent := token.Status != TokenStatusInitial && token.SideState.Has(SideStateKeyEvent)
	switch token.Status {
	case TokenStatusInitial:
		r.resetControlState()
		token.Status = TokenStatusRunning
		r.setPosition(token, RootPosition())
		r.logger.Info(ctx, "workflow token start", "run_id", r.ID, "token_id", token.ID, "seq", token.Seq)
		if err := r.saveToken(ctx, token); err != nil {
			return false, err
		}
	case TokenStatusHalted:
		r.Counters.Halted--
		token.Status = TokenStatusRunning
		token.SideState.Delete(sideStateKeyHalt)
		r.setPosition(token, token.Position)
		if r.resumePoint == ResumeContinueNext {
			// 只有任务节点可以跳过, 控制节点挂起一定要重新执行
			if node, err := r.definition.NodeAt(token.Position); err == nil && node.Kind == NodeKindTask {
				token.TaskHistory = append(token.TaskHistory, node.Name)
				r.setPosition(token, token.Position.NextSibling())
			}
		}
		r.logger.Info(ctx, "workflow token resume", "run_id", r.ID, "token_id", token.ID, "position", r.Position.String(), "resume_point", r.resumePoint)
		if err := r.saveToken(ctx, token); err != nil {
			return false, err
		}
	default:
		// running: 上一次处理被进程中断了, 从保存的位置继续
		r.setPosition(token, token.Position)
	}

	for {
		position, node, err := r.definition.Resolve(r.Position)
		if err != nil {
			return false, r.fail(ctx, token, err)
		}
		r.setPosition(token, position)
		if node == nil {
			return false, r.complete(ctx, token)
		}
		r.repositioned = false
		err = r.invoke(ctx, token, node)
		if pendingEvent {
			token.SideState.Delete(SideStateKeyEvent)
			pendingEvent = false
		}
		if err == nil {
			r.advance(token, node)
			continue
		}

		result := classifySignal(err)
		if result.fatal != nil {
			return false, r.fail(ctx, token, result.fatal)
		}
		sig := result.signal
		r.metrics.signalDispatched(sig.Kind)
		r.logger.Debug(ctx, "workflow signal", "run_id", r.ID, "token_id", token.ID, "signal", sig.Kind, "offset", sig.Offset, "position", r.Position.String())
		switch sig.Kind {
		case SignalHalt:
			return true, r.halt(ctx, token, sig)
		case SignalAbort, SignalBreak, SignalSkip:
			return false, r.abandon(ctx, token, sig)
		case SignalContinue:
			r.recordTask(token, node)
			return false, r.finalize(ctx, token, 1)
		case SignalJumpToken:
			r.recordTask(token, node)
			return false, r.finalize(ctx, token, sig.Offset)
		case SignalJumpCall:
			r.recordTask(token, node)
			r.setPosition(token, r.Position.JumpTo(sig.Offset))
			continue
		}
		return false, r.fail(ctx, token, errors.Errorf("unknown signal %s", sig.Kind))
	}
}

func (r *Run) invoke(ctx context.Context, token *Token, node *Node) (err error) {
	defer func() {
		if p := recover(); p != nil {
			stack := debug.Stack()
			r.logger.Error(ctx, fmt.Sprintf("workflow node panic: %v, run_id: %s, node: %s, stack: %s", p, r.ID, node, string(stack)))
			err = errors.Errorf("node %s panic: %v", node, p)
		}
	}()
	switch node.Kind {
	case NodeKindTask:
		start := time.Now()
		r.logger.Debug(ctx, "workflow task invoke", "run_id", r.ID, "token_id", token.ID, "task", node.Name, "position", r.Position.String())
		defer func() {
			r.metrics.taskInvoked(node.Name, time.Since(start))
		}()
		return node.Task(ctx, token, r)
	case NodeKindIf:
		return r.execIf(ctx, token, node)
	case NodeKindElse:
		return r.execElse(ctx, token)
	case NodeKindFor:
		return r.execFor(ctx, token, node)
	case NodeKindForEach:
		return r.execForEach(ctx, token, node)
	case NodeKindEndFor:
		return r.execEndFor(ctx, token)
	}
	return errors.WithMessagef(ErrWorkflowDefinitionInvalid, "node kind %s can not be invoked", node.Kind)
}

func (r *Run) advance(token *Token, node *Node) {
	r.recordTask(token, node)
	if !r.repositioned {
		r.setPosition(token, r.Position.NextSibling())
	}
}

func (r *Run) recordTask(token *Token, node *Node) {
	if node.Kind == NodeKindTask {
		token.TaskHistory = append(token.TaskHistory, node.Name)
	}
}

func (r *Run) setPosition(token *Token, position PositionVector) {
	r.Position = position.Clone()
	token.Position = position.Clone()
}

// moveTo 控制节点自己决定下一个位置, 不再走默认的NextSibling
func (r *Run) moveTo(token *Token, position PositionVector) {
	r.setPosition(token, position)
	r.repositioned = true
}

func (r *Run) resetControlState() {
	r.SideState.Delete(sideStateKeyConditions)
	r.SideState.Delete(sideStateKeyIterators)
}

func (r *Run) complete(ctx context.Context, token *Token) error {
	token.Status = TokenStatusCompleted
	r.Counters.Finished++
	r.Cursor++
	r.logger.Info(ctx, "workflow token completed", "run_id", r.ID, "token_id", token.ID, "tasks", len(token.TaskHistory))
	r.metrics.tokenLeft(r.DefinitionName, TokenStatusCompleted)
	return r.persist(ctx, token)
}

// finalize Continue和JumpToken, 当前token结束, cursor移动offset
func (r *Run) finalize(ctx context.Context, token *Token, offset int) error {
	token.Status = TokenStatusFinal
	r.Counters.Finished++
	changed := []*Token{token}
	target := r.Cursor + offset
	if target < 0 {
		target = 0
	}
	if target > len(r.Tokens) {
		target = len(r.Tokens)
	}
	if offset > 0 {
		// 被跳过的token放弃掉
		for i := r.Cursor + 1; i < target; i++ {
			skipped := r.Tokens[i]
			if !skipped.IsDone() {
				skipped.Abandoned = true
				changed = append(changed, skipped)
			}
		}
	}
	if offset < 0 {
		// 往回跳, 区间里面的token重新处理
		for i := target; i < r.Cursor; i++ {
			r.rearm(r.Tokens[i])
			changed = append(changed, r.Tokens[i])
		}
	}
	r.Cursor = target
	r.logger.Info(ctx, "workflow token final", "run_id", r.ID, "token_id", token.ID, "offset", offset, "cursor", r.Cursor)
	r.metrics.tokenLeft(r.DefinitionName, TokenStatusFinal)
	return r.persist(ctx, changed...)
}

func (r *Run) rearm(token *Token) {
	if IsFinishedTokenStatus(token.Status) {
		r.Counters.Finished--
	}
	token.Status = TokenStatusInitial
	token.Abandoned = false
	token.Position = nil
}

func (r *Run) abandon(ctx context.Context, token *Token, sig *Signal) error {
	token.Abandoned = true
	r.Cursor++
	r.logger.Info(ctx, "workflow token abandoned", "run_id", r.ID, "token_id", token.ID, "signal", sig.Kind, "position", r.Position.String())
	r.metrics.tokenLeft(r.DefinitionName, sig.Kind)
	return r.persist(ctx, token)
}

func (r *Run) halt(ctx context.Context, token *Token, sig *Signal) error {
	err := token.SideState.Set([]string{sideStateKeyHalt}, MapValue(map[string]Value{
		"message": StringValue(sig.Message),
		"action":  StringValue(sig.Action),
	}))
	if err != nil {
		return r.fail(ctx, token, errors.WithMessage(err, "record halt info failed"))
	}
	token.Status = TokenStatusHalted
	r.Counters.Halted++
	r.Status = RunStatusHalted
	r.logger.Info(ctx, "workflow run halted", "run_id", r.ID, "token_id", token.ID, "position", r.Position.String(), "message", sig.Message, "action", sig.Action)
	r.metrics.tokenLeft(r.DefinitionName, TokenStatusHalted)
	return r.persist(ctx, token)
}

func (r *Run) fail(ctx context.Context, token *Token, err error) error {
	token.Status = TokenStatusError
	r.Counters.Error++
	r.Status = RunStatusError
	runErr := &RunError{RunID: r.ID, TokenID: token.ID, Position: r.Position.Clone(), Err: err}
	r.logger.Error(ctx, "workflow task failed", "run_id", r.ID, "token_id", token.ID, "position", r.Position.String(), "err", err)
	r.metrics.tokenLeft(r.DefinitionName, TokenStatusError)
	if persistErr := r.persist(ctx, token); persistErr != nil {
		r.logger.Critical(ctx, "workflow run error state not persisted", "run_id", r.ID, "err", persistErr)
		return errors.WithMessagef(persistErr, "persist failed run %s (task error: %v)", r.ID, err)
	}
	return runErr
}

func (r *Run) finish(ctx context.Context) error {
	abandoned := r.AbandonedCount()
	switch {
	case r.Counters.Finished+abandoned == r.Counters.Initial:
		r.Status = RunStatusCompleted
	case r.Counters.Halted > 0:
		r.Status = RunStatusHalted
	default:
		r.Status = RunStatusError
	}
	r.logger.Info(ctx, "workflow run finished", "run_id", r.ID, "status", r.Status, "finished", r.Counters.Finished, "abandoned", abandoned, "initial", r.Counters.Initial)
	if err := r.store.SaveRun(ctx, r, r.Status); err != nil {
		return errors.WithMessagef(err, "save run %s failed", r.ID)
	}
	return nil
}

func (r *Run) saveToken(ctx context.Context, token *Token) error {
	if err := r.store.SaveToken(ctx, token, token.Version); err != nil {
		return errors.WithMessagef(err, "save token %s failed", token.ID)
	}
	return nil
}

// persist token和run的状态在同一个事务里面提交
func (r *Run) persist(ctx context.Context, tokens ...*Token) error {
	return r.store.Transaction(ctx, func(ctx context.Context) error {
		for _, token := range tokens {
			if err := r.saveToken(ctx, token); err != nil {
				return err
			}
		}
		if err := r.store.SaveRun(ctx, r, r.Status); err != nil {
			return errors.WithMessagef(err, "save run %s failed", r.ID)
		}
		return nil
	})
}
