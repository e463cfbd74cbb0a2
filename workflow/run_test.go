package workflow

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录每个token依次看到的值
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

// record 记录 任务名:token序号
func (r *recorder) record(name string) *Node {
	return Task(name, func(ctx context.Context, token *Token, run *Run) error {
		r.add("%s:%d", name, token.Seq)
		return nil
	})
}

func payloads(values ...any) []Value {
	list := make([]Value, 0, len(values))
	for _, v := range values {
		list = append(list, MustValueOf(v))
	}
	return list
}

func mustDefinition(t *testing.T, nodes ...*Node) *WorkflowDefinition {
	t.Helper()
	def, err := NewWorkflowDefinition(t.Name(), nodes...)
	require.NoError(t, err)
	return def
}

func mustRun(t *testing.T, def *WorkflowDefinition, items []Value, opts ...RunOption) *Run {
	t.Helper()
	run, err := NewRun(def, items, opts...)
	require.NoError(t, err)
	return run
}

func TestRunSequence(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	def := mustDefinition(t, rec.record("a"), rec.record("b"))
	run := mustRun(t, def, payloads(1, 2))

	require.NoError(t, run.Process(ctx))
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"a:0", "b:0", "a:1", "b:1"}, rec.list())
	assert.Equal(t, Counters{Initial: 2, Finished: 2}, run.Counters)
	assert.Equal(t, 2, run.Cursor)
	assert.Nil(t, run.CurrentToken())
	for _, token := range run.Tokens {
		assert.Equal(t, TokenStatusCompleted, token.Status)
		assert.Equal(t, []string{"a", "b"}, token.TaskHistory)
		assert.True(t, token.Position.IsTerminal())
	}

	// 已经完成的run再次处理什么都不做
	require.NoError(t, run.Process(ctx))
	assert.Len(t, rec.list(), 4)
}

func TestRunEmptyDefinition(t *testing.T) {
	run := mustRun(t, mustDefinition(t), payloads("x"))
	require.NoError(t, run.Process(context.Background()))
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Empty(t, run.Tokens[0].TaskHistory)
}

func TestRunIfElse(t *testing.T) {
	ctx := context.Background()
	isBig := func(ctx context.Context, token *Token, run *Run) (any, error) {
		n, _ := token.Payload.AsInt()
		return n > 10, nil
	}

	t.Run("if和else", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			If(Evaluator(isBig)), Block(rec.record("big")),
			Else(), Block(rec.record("small")),
			rec.record("after"),
		)
		run := mustRun(t, def, payloads(20, 5))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"big:0", "after:0", "small:1", "after:1"}, rec.list())
		// true分支执行完之后缓存被else清掉
		assert.False(t, run.SideState.Has(sideStateKeyConditions, "0"))
	})

	t.Run("没有else", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			If(Evaluator(isBig)), Block(rec.record("big")),
			rec.record("after"),
		)
		run := mustRun(t, def, payloads(20, 5))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"big:0", "after:0", "after:1"}, rec.list())
	})

	t.Run("IfNot", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			IfNot(Evaluator(isBig)), Block(rec.record("not_big")),
			Else(), Block(rec.record("big")),
		)
		run := mustRun(t, def, payloads(20, 5))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"big:0", "not_big:1"}, rec.list())
	})

	t.Run("条件只求值一次", func(t *testing.T) {
		calls := 0
		cond := Evaluator(func(ctx context.Context, token *Token, run *Run) (any, error) {
			calls++
			return true, nil
		})
		rec := &recorder{}
		def := mustDefinition(t, If(cond), Block(rec.record("then")), Else(), Block(rec.record("else")))
		run := mustRun(t, def, payloads(1))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, 1, calls)
		assert.Equal(t, []string{"then:0"}, rec.list())
	})

	t.Run("条件不是bool", func(t *testing.T) {
		def := mustDefinition(t, If("yes"), Block())
		run := mustRun(t, def, payloads(1))
		err := run.Process(ctx)
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.ErrorIs(t, err, ErrControlValueInvalid)
		assert.Equal(t, RunStatusError, run.Status)
	})

	t.Run("PayloadField和ExecuteIf", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			If(PayloadField("flags", "vip")), Block(rec.record("vip")),
			ExecuteIf("notify", func(ctx context.Context, token *Token, run *Run) error {
				rec.add("notify:%d", token.Seq)
				return nil
			}, true, Not(PayloadField("flags", "vip"))),
		)
		run := mustRun(t, def, payloads(
			map[string]any{"flags": map[string]any{"vip": true}},
			map[string]any{"flags": map[string]any{"vip": false}},
		))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"vip:0", "notify:1"}, rec.list())
		// ExecuteIf 不满足条件也算执行过
		assert.Equal(t, []string{"vip", "notify"}, run.Tokens[0].TaskHistory)
	})
}

func TestRunFor(t *testing.T) {
	ctx := context.Background()
	body := func(rec *recorder) *Node {
		return Task("body", func(ctx context.Context, token *Token, run *Run) error {
			i, _ := token.SideState.GetInt64("i")
			rec.add("%d", i)
			return nil
		})
	}

	t.Run("结束边界是开区间", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, For(0, 3, 1, "i"), Block(body(rec)), EndFor(), Task("after", noop))
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"0", "1", "2"}, rec.list())
		assert.Equal(t, []string{"body", "body", "body", "after"}, run.Tokens[0].TaskHistory)
		// 循环结束之后寄存器被删掉
		assert.False(t, run.SideState.Has(sideStateKeyIterators, "0"))
	})

	t.Run("倒序", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, For(3, 0, -1, "i"), Block(body(rec)), EndFor())
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"3", "2", "1"}, rec.list())
	})

	t.Run("空循环", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, For(5, 5, 1, "i"), Block(body(rec)), EndFor(), rec.record("after"))
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"after:0"}, rec.list())
	})

	t.Run("边界来自evaluator", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, For(0, PayloadField("n"), 1, "i"), Block(body(rec)), EndFor())
		run := mustRun(t, def, payloads(map[string]any{"n": 2}, map[string]any{"n": 1}))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"0", "1", "0"}, rec.list())
	})

	t.Run("步长为0", func(t *testing.T) {
		def := mustDefinition(t, For(0, 3, 0, "i"), Block(), EndFor())
		run := mustRun(t, def, payloads(nil))
		err := run.Process(ctx)
		assert.ErrorIs(t, err, ErrControlValueInvalid)
		assert.Equal(t, RunStatusError, run.Status)
		assert.Equal(t, TokenStatusError, run.Tokens[0].Status)
		assert.Equal(t, 1, run.Counters.Error)
	})

	t.Run("嵌套循环", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			For(0, 2, 1, "i"), Block(
				For(0, 2, 1, "j"), Block(Task("cell", func(ctx context.Context, token *Token, run *Run) error {
					i, _ := token.SideState.GetInt64("i")
					j, _ := token.SideState.GetInt64("j")
					rec.add("%d%d", i, j)
					return nil
				})), EndFor(),
			), EndFor(),
		)
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"00", "01", "10", "11"}, rec.list())
	})

	t.Run("循环里面的if每次重新求值", func(t *testing.T) {
		rec := &recorder{}
		isEven := Evaluator(func(ctx context.Context, token *Token, run *Run) (any, error) {
			i, _ := token.SideState.GetInt64("i")
			return i%2 == 0, nil
		})
		def := mustDefinition(t,
			For(0, 4, 1, "i"), Block(
				If(isEven), Block(Task("even", func(ctx context.Context, token *Token, run *Run) error {
					rec.add("even")
					return nil
				})),
				Else(), Block(Task("odd", func(ctx context.Context, token *Token, run *Run) error {
					rec.add("odd")
					return nil
				})),
			), EndFor(),
		)
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"even", "odd", "even", "odd"}, rec.list())
	})
}

func TestRunForEach(t *testing.T) {
	ctx := context.Background()
	body := func(rec *recorder) *Node {
		return Task("body", func(ctx context.Context, token *Token, run *Run) error {
			rec.add("%s", token.Payload.String())
			return nil
		})
	}

	t.Run("顺序和恢复payload", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			ForEach(PayloadField("items"), WithSaveAs("item")), Block(body(rec)), EndFor(),
			Task("after", func(ctx context.Context, token *Token, run *Run) error {
				rec.add("after %s", token.Payload.String())
				return nil
			}),
		)
		run := mustRun(t, def, payloads(map[string]any{"items": []any{"a", "b", "c"}}))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"a", "b", "c", "after {items:[a b c]}"}, rec.list())
		last, ok := run.Tokens[0].SideState.GetString("item")
		assert.True(t, ok)
		assert.Equal(t, "c", last)
	})

	t.Run("倒序", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, ForEach([]string{"a", "b", "c"}, WithOrder(ListOrderDesc)), Block(body(rec)), EndFor())
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"c", "b", "a"}, rec.list())
	})

	t.Run("缓存列表", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		list := Evaluator(func(ctx context.Context, token *Token, run *Run) (any, error) {
			calls++
			return []int{1, 2, 3}, nil
		})
		def := mustDefinition(t, ForEach(list, WithCache(true)), Block(body(rec)), EndFor())
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"1", "2", "3"}, rec.list())
		assert.Equal(t, 1, calls)
	})

	t.Run("不缓存每次重新求值", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		list := Evaluator(func(ctx context.Context, token *Token, run *Run) (any, error) {
			calls++
			// 求值时看到的是循环之前的payload
			assert.True(t, token.Payload.IsNull())
			return []int{1, 2}, nil
		})
		def := mustDefinition(t, ForEach(list), Block(body(rec)), EndFor())
		run := mustRun(t, def, payloads(nil))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"1", "2"}, rec.list())
		assert.Equal(t, 3, calls)
	})

	t.Run("空列表和null", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t, ForEach(PayloadField("missing")), Block(body(rec)), EndFor(), rec.record("after"))
		run := mustRun(t, def, payloads(map[string]any{}))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"after:0"}, rec.list())
	})

	t.Run("列表类型不对", func(t *testing.T) {
		def := mustDefinition(t, ForEach(PayloadField("n")), Block(), EndFor())
		run := mustRun(t, def, payloads(map[string]any{"n": 1}))
		assert.ErrorIs(t, run.Process(ctx), ErrControlValueInvalid)
	})
}

func TestRunSignals(t *testing.T) {
	ctx := context.Background()

	t.Run("Continue结束当前token", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			Task("stop", func(ctx context.Context, token *Token, run *Run) error {
				if token.Seq == 0 {
					return Continue()
				}
				return nil
			}),
			rec.record("after"),
		)
		run := mustRun(t, def, payloads(1, 2))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"after:1"}, rec.list())
		assert.Equal(t, TokenStatusFinal, run.Tokens[0].Status)
		assert.Equal(t, []string{"stop"}, run.Tokens[0].TaskHistory)
		assert.Equal(t, 2, run.Counters.Finished)
		assert.Equal(t, RunStatusCompleted, run.Status)
	})

	for _, sig := range []struct {
		name string
		err  error
	}{{"Break", Break()}, {"Abort", Abort()}, {"Skip", Skip()}} {
		t.Run(sig.name+"放弃当前token", func(t *testing.T) {
			rec := &recorder{}
			def := mustDefinition(t,
				Task("check", func(ctx context.Context, token *Token, run *Run) error {
					if token.Seq == 0 {
						return sig.err
					}
					return nil
				}),
				rec.record("after"),
			)
			run := mustRun(t, def, payloads(1, 2))
			require.NoError(t, run.Process(ctx))
			assert.Equal(t, []string{"after:1"}, rec.list())
			assert.True(t, run.Tokens[0].Abandoned)
			assert.Empty(t, run.Tokens[0].TaskHistory)
			assert.Equal(t, 1, run.Counters.Finished)
			assert.Equal(t, 1, run.AbandonedCount())
			assert.Equal(t, RunStatusCompleted, run.Status)
		})
	}

	t.Run("JumpTokenForward跳过后面的token", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			Task("jump", func(ctx context.Context, token *Token, run *Run) error {
				if token.Seq == 0 {
					return JumpTokenForward(2)
				}
				return nil
			}),
			rec.record("after"),
		)
		run := mustRun(t, def, payloads(1, 2, 3))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"after:2"}, rec.list())
		assert.Equal(t, TokenStatusFinal, run.Tokens[0].Status)
		assert.True(t, run.Tokens[1].Abandoned)
		assert.Equal(t, TokenStatusInitial, run.Tokens[1].Status)
		assert.Equal(t, RunStatusCompleted, run.Status)
	})

	t.Run("JumpTokenBack重新处理前面的token", func(t *testing.T) {
		rec := &recorder{}
		jumped := false
		def := mustDefinition(t,
			rec.record("a"),
			Task("jump", func(ctx context.Context, token *Token, run *Run) error {
				if token.Seq == 1 && !jumped {
					jumped = true
					return JumpTokenBack(1)
				}
				return nil
			}),
		)
		run := mustRun(t, def, payloads(1, 2))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"a:0", "a:1", "a:0"}, rec.list())
		assert.Equal(t, TokenStatusCompleted, run.Tokens[0].Status)
		assert.Equal(t, TokenStatusFinal, run.Tokens[1].Status)
		assert.Equal(t, 2, run.Counters.Finished)
		assert.Equal(t, RunStatusCompleted, run.Status)
	})

	t.Run("JumpCall移动当前位置", func(t *testing.T) {
		rec := &recorder{}
		def := mustDefinition(t,
			Task("a", func(ctx context.Context, token *Token, run *Run) error {
				return JumpCallForward(2)
			}),
			rec.record("b"),
			rec.record("c"),
		)
		run := mustRun(t, def, payloads(1))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, []string{"c:0"}, rec.list())
		assert.Equal(t, []string{"a", "c"}, run.Tokens[0].TaskHistory)
	})

	t.Run("包装过的信号", func(t *testing.T) {
		def := mustDefinition(t, Task("a", func(ctx context.Context, token *Token, run *Run) error {
			return errors.WithMessage(Skip(), "nothing to do")
		}))
		run := mustRun(t, def, payloads(1))
		require.NoError(t, run.Process(ctx))
		assert.True(t, run.Tokens[0].Abandoned)
	})

	t.Run("join的信号按优先级", func(t *testing.T) {
		def := mustDefinition(t, Task("a", func(ctx context.Context, token *Token, run *Run) error {
			return goerrors.Join(Continue(), Abort())
		}))
		run := mustRun(t, def, payloads(1))
		require.NoError(t, run.Process(ctx))
		assert.True(t, run.Tokens[0].Abandoned)
		assert.Equal(t, 0, run.Counters.Finished)
	})
}

func TestRunFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("任务失败", func(t *testing.T) {
		boom := errors.New("boom")
		rec := &recorder{}
		def := mustDefinition(t,
			rec.record("a"),
			Task("fail", func(ctx context.Context, token *Token, run *Run) error {
				return errors.WithMessage(boom, "remote call")
			}),
			rec.record("b"),
		)
		run := mustRun(t, def, payloads(1, 2))
		err := run.Process(ctx)

		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, run.ID, runErr.RunID)
		assert.Equal(t, run.Tokens[0].ID, runErr.TokenID)
		assert.Equal(t, PositionVector{1}, runErr.Position)
		assert.True(t, IsSeriousError(err))

		assert.Equal(t, []string{"a:0"}, rec.list())
		assert.Equal(t, RunStatusError, run.Status)
		assert.Equal(t, TokenStatusError, run.Tokens[0].Status)
		assert.Equal(t, TokenStatusInitial, run.Tokens[1].Status)

		// 失败的run不能再处理
		assert.ErrorIs(t, run.Process(ctx), ErrRunNotResumable)
		assert.ErrorIs(t, run.Resume(ctx, ResumeRestartTask), ErrRunNotResumable)
	})

	t.Run("panic转成错误", func(t *testing.T) {
		def := mustDefinition(t, Task("panic", func(ctx context.Context, token *Token, run *Run) error {
			var m map[string]int
			m["x"] = 1
			return nil
		}))
		run := mustRun(t, def, payloads(1))
		err := run.Process(ctx)
		var runErr *RunError
		require.ErrorAs(t, err, &runErr)
		assert.Contains(t, err.Error(), "panic")
		assert.Equal(t, RunStatusError, run.Status)
	})

	t.Run("信号和错误join之后是错误", func(t *testing.T) {
		boom := errors.New("boom")
		def := mustDefinition(t, Task("a", func(ctx context.Context, token *Token, run *Run) error {
			return goerrors.Join(Continue(), boom)
		}))
		run := mustRun(t, def, payloads(1))
		assert.ErrorIs(t, run.Process(ctx), boom)
		assert.Equal(t, RunStatusError, run.Status)
	})
}

func TestRunHaltAndResume(t *testing.T) {
	ctx := context.Background()

	newApproval := func(rec *recorder) *WorkflowDefinition {
		return mustDefinition(t,
			rec.record("prepare"),
			Task("approve", func(ctx context.Context, token *Token, run *Run) error {
				decision, ok := token.Event("decision")
				if !ok {
					return Halt("waiting for approval", "approval")
				}
				rec.add("approve:%s", decision.String())
				return nil
			}),
			rec.record("done"),
		)
	}

	t.Run("挂起之后重新执行挂起的任务", func(t *testing.T) {
		rec := &recorder{}
		run := mustRun(t, newApproval(rec), payloads(1, 2))
		require.NoError(t, run.Process(ctx))

		assert.Equal(t, RunStatusHalted, run.Status)
		assert.Equal(t, 1, run.Counters.Halted)
		assert.Equal(t, 0, run.Cursor)
		token := run.Tokens[0]
		assert.Equal(t, TokenStatusHalted, token.Status)
		assert.Equal(t, PositionVector{1}, token.Position)
		message, action, ok := token.HaltInfo()
		assert.True(t, ok)
		assert.Equal(t, "waiting for approval", message)
		assert.Equal(t, "approval", action)
		assert.Equal(t, []string{"prepare:0"}, rec.list())

		// 外部事件写入之后恢复
		require.NoError(t, token.SideState.SetAny([]string{SideStateKeyEvent}, map[string]any{"decision": "yes"}))
		err := run.Resume(ctx, ResumeRestartTask)
		require.NoError(t, err)
		assert.Equal(t, RunStatusHalted, run.Status)
		// 第二个token也在同一个地方挂起
		assert.Equal(t, 1, run.Cursor)
		assert.Equal(t, 1, run.Counters.Halted)
		_, _, ok = token.HaltInfo()
		assert.False(t, ok)

		require.NoError(t, run.Tokens[1].SideState.SetAny([]string{SideStateKeyEvent}, map[string]any{"decision": "no"}))
		require.NoError(t, run.Resume(ctx, ""))
		assert.Equal(t, RunStatusCompleted, run.Status)
		assert.Equal(t, Counters{Initial: 2, Finished: 2}, run.Counters)
		assert.Equal(t, []string{"prepare:0", "approve:yes", "done:0", "prepare:1", "approve:no", "done:1"}, rec.list())
	})

	t.Run("恢复时跳过挂起的任务", func(t *testing.T) {
		rec := &recorder{}
		run := mustRun(t, newApproval(rec), payloads(1))
		require.NoError(t, run.Process(ctx))
		require.Equal(t, RunStatusHalted, run.Status)

		require.NoError(t, run.Resume(ctx, ResumeContinueNext))
		assert.Equal(t, RunStatusCompleted, run.Status)
		assert.Equal(t, []string{"prepare:0", "done:0"}, rec.list())
		assert.Equal(t, []string{"prepare", "approve", "done"}, run.Tokens[0].TaskHistory)
	})

	t.Run("没有挂起不能恢复", func(t *testing.T) {
		rec := &recorder{}
		run := mustRun(t, mustDefinition(t, rec.record("a")), payloads(1))
		assert.ErrorIs(t, run.Resume(ctx, ResumeRestartTask), ErrRunNotResumable)
	})

	t.Run("挂起优先于其他信号", func(t *testing.T) {
		def := mustDefinition(t, Task("a", func(ctx context.Context, token *Token, run *Run) error {
			return goerrors.Join(Abort(), errors.New("boom"), Halt("wait", ""))
		}))
		run := mustRun(t, def, payloads(1))
		require.NoError(t, run.Process(ctx))
		assert.Equal(t, RunStatusHalted, run.Status)
	})
}

func TestRunPersistAndReload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRunStore()
	rec := &recorder{}
	halted := false
	def := mustDefinition(t,
		For(0, 3, 1, "i"), Block(
			Task("step", func(ctx context.Context, token *Token, run *Run) error {
				i, _ := token.SideState.GetInt64("i")
				if i == 1 && !halted {
					halted = true
					return Halt("pause in loop", "")
				}
				rec.add("%d", i)
				return nil
			}),
		), EndFor(),
	)

	run := mustRun(t, def, payloads(map[string]any{"n": 1}), WithRunStore(store))
	require.NoError(t, run.Process(ctx))
	require.Equal(t, RunStatusHalted, run.Status)

	// 从store重新加载, 循环寄存器也要恢复
	reloaded, err := LoadRun(ctx, store, def, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusHalted, reloaded.Status)
	assert.Equal(t, run.Version, reloaded.Version)
	assert.Equal(t, PositionVector{1, 0}, reloaded.Tokens[0].Position)
	assert.True(t, reloaded.SideState.Has(sideStateKeyIterators, "0"))

	require.NoError(t, reloaded.Resume(ctx, ResumeRestartTask))
	assert.Equal(t, RunStatusCompleted, reloaded.Status)
	assert.Equal(t, []string{"0", "1", "2"}, rec.list())

	stored, err := store.LoadRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, stored.Status)
	tokens, err := store.LoadTokensForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, TokenStatusCompleted, tokens[0].Status)
	assert.Equal(t, []string{"step", "step", "step"}, tokens[0].TaskHistory)

	// 旧的run对象版本落后了, 不能再写
	run.Status = RunStatusRunning
	assert.ErrorIs(t, store.SaveRun(ctx, run, RunStatusRunning), ErrRunVersionConflict)

	t.Run("定义不匹配", func(t *testing.T) {
		other := mustDefinition(t, Task("x", noop))
		_, err := LoadRun(ctx, store, other, run.ID)
		assert.ErrorIs(t, err, ErrWorkflowDefinitionInvalid)
	})

	t.Run("不存在的run", func(t *testing.T) {
		_, err := LoadRun(ctx, store, def, "missing")
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

// TestRunForEachHaltAndReload 在中间的元素挂起, 从store重新加载之后剩下的元素每个只处理一次
func TestRunForEachHaltAndReload(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		opts  []ForEachOption
		cache bool
		want  []string
	}{
		{name: "缓存列表", opts: []ForEachOption{WithCache(true)}, cache: true, want: []string{"a", "halt b", "b", "c"}},
		{name: "不缓存列表", opts: []ForEachOption{WithCache(false)}, want: []string{"a", "halt b", "b", "c"}},
		{name: "倒序", opts: []ForEachOption{WithOrder(ListOrderDesc), WithCache(true)}, cache: true, want: []string{"c", "halt b", "b", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryRunStore()
			rec := &recorder{}
			def := mustDefinition(t,
				ForEach(PayloadField("items"), append([]ForEachOption{WithSaveAs("item")}, tc.opts...)...),
				Block(Task("body", func(ctx context.Context, token *Token, run *Run) error {
					element := token.Payload.String()
					if element == "b" {
						if _, ok := token.Event("ok"); !ok {
							rec.add("halt %s", element)
							return Halt("check element", "ok")
						}
					}
					rec.add("%s", element)
					return nil
				})),
				EndFor(),
				Task("after", func(ctx context.Context, token *Token, run *Run) error {
					rec.add("after %s", token.Payload.String())
					return nil
				}),
			)

			run := mustRun(t, def, payloads(map[string]any{"items": []any{"a", "b", "c"}}), WithRunStore(store))
			require.NoError(t, run.Process(ctx))
			require.Equal(t, RunStatusHalted, run.Status)

			reloaded, err := LoadRun(ctx, store, def, run.ID)
			require.NoError(t, err)
			token := reloaded.Tokens[0]
			assert.Equal(t, PositionVector{1, 0}, token.Position)
			assert.Equal(t, "b", token.Payload.String())
			assert.True(t, reloaded.SideState.Has(sideStateKeyIterators, "0", "previous"))
			assert.Equal(t, tc.cache, reloaded.SideState.Has(sideStateKeyIterators, "0", "cache"))

			require.NoError(t, token.SideState.SetAny([]string{SideStateKeyEvent}, map[string]any{"ok": true}))
			require.NoError(t, reloaded.Resume(ctx, ResumeRestartTask))
			assert.Equal(t, RunStatusCompleted, reloaded.Status)
			assert.Equal(t, append(tc.want, "after {items:[a b c]}"), rec.list())
			// 循环结束之后payload恢复成原来的值, 寄存器也清掉了
			assert.Equal(t, "{items:[a b c]}", token.Payload.String())
			assert.False(t, reloaded.SideState.Has(sideStateKeyIterators, "0"))
			assert.False(t, token.SideState.Has(SideStateKeyEvent))

			tokens, err := store.LoadTokensForRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"body", "body", "body", "after"}, tokens[0].TaskHistory)
		})
	}
}
