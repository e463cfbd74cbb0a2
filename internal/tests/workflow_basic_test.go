package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blingmoon/resumable-workflow/workflow"
)

// tracer 记录任务的执行顺序
type tracer struct {
	mu    sync.Mutex
	steps []string
}

func (tr *tracer) task(name string) workflow.TaskFunc {
	return func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
		tr.add(name)
		return nil
	}
}

func (tr *tracer) add(step string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, step)
}

func (tr *tracer) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string{}, tr.steps...)
}

func openTestDB(t testing.TB) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&workflow.RunPo{}, &workflow.TokenPo{}))
	return db
}

// setupTestService 创建测试服务, definitions 注册到一个新的registry
func setupTestService(t testing.TB, db *gorm.DB, definitions ...*workflow.WorkflowDefinition) workflow.EngineService {
	registry := workflow.NewRegistry()
	for _, definition := range definitions {
		require.NoError(t, registry.RegisterDefinition(definition))
	}
	return workflow.NewEngineService(workflow.NewGormRunStore(db), workflow.NewLocalRunLock(), registry)
}

func mustDefinition(t testing.TB, name string, nodes ...*workflow.Node) *workflow.WorkflowDefinition {
	definition, err := workflow.NewWorkflowDefinition(name, nodes...)
	require.NoError(t, err)
	return definition
}

// TestIfElseScenario 测试 A, If(cond), [B], Else, [C], D
func TestIfElseScenario(t *testing.T) {
	ctx := context.Background()
	for _, c := range []struct {
		name string
		cond bool
		want []string
	}{
		{"条件为true", true, []string{"A", "B", "D"}},
		{"条件为false", false, []string{"A", "C", "D"}},
	} {
		t.Run(c.name, func(t *testing.T) {
			tr := &tracer{}
			definition := mustDefinition(t, "if_else",
				workflow.Task("A", tr.task("A")),
				workflow.If(c.cond),
				workflow.Block(workflow.Task("B", tr.task("B"))),
				workflow.Else(),
				workflow.Block(workflow.Task("C", tr.task("C"))),
				workflow.Task("D", tr.task("D")),
			)
			service := setupTestService(t, openTestDB(t), definition)
			detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{DefinitionName: "if_else", Payloads: []any{nil}, IsRun: true})
			require.NoError(t, err)
			assert.Equal(t, workflow.RunStatusCompleted, detail.Status)
			assert.Equal(t, c.want, tr.list())
			assert.Equal(t, c.want, detail.Tokens[0].TaskHistory)
			// 条件缓存用完就删掉
			conditions, _ := detail.SideState["conditions"].(map[string]any)
			assert.Empty(t, conditions)
		})
	}
}

// TestForScenario 测试 For(0,3,1), [X], EndFor
func TestForScenario(t *testing.T) {
	ctx := context.Background()
	tr := &tracer{}
	definition := mustDefinition(t, "for_loop",
		workflow.For(0, 3, 1, "i"),
		workflow.Block(workflow.Task("X", func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
			i, ok := token.SideState.GetInt64("i")
			if !ok {
				return errors.New("loop variable not set")
			}
			tr.add(fmt.Sprintf("X%d", i))
			return nil
		})),
		workflow.EndFor(),
	)
	service := setupTestService(t, openTestDB(t), definition)
	detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{DefinitionName: "for_loop", Payloads: []any{1}, IsRun: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, detail.Status)
	assert.Equal(t, []string{"X0", "X1", "X2"}, tr.list())
	assert.Equal(t, int64(2), detail.Tokens[0].SideState["i"])
}

// TestHaltScenario token0 在位置[2]挂起, token1 不受影响
func TestHaltScenario(t *testing.T) {
	ctx := context.Background()
	tr := &tracer{}
	gate := workflow.Task("gate", func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
		if token.Seq == 0 {
			if _, ok := token.Event(); !ok {
				return workflow.Halt("manual check", "")
			}
		}
		tr.add(fmt.Sprintf("gate%d", token.Seq))
		return nil
	})
	definition := mustDefinition(t, "halt_at_two",
		workflow.Task("first", tr.task("first")),
		workflow.Task("second", tr.task("second")),
		gate,
		workflow.Task("last", tr.task("last")),
	)
	db := openTestDB(t)
	service := setupTestService(t, db, definition)
	detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{DefinitionName: "halt_at_two", Payloads: []any{"a", "b"}, IsRun: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusHalted, detail.Status)
	assert.Equal(t, "2", detail.Position)
	assert.Equal(t, workflow.TokenStatusHalted, detail.Tokens[0].Status)
	assert.Equal(t, "2", detail.Tokens[0].Position)
	assert.Equal(t, workflow.TokenStatusInitial, detail.Tokens[1].Status)
	assert.Equal(t, 1, detail.Counters.Halted)

	// 重新创建服务, 模拟另一个进程恢复
	service = setupTestService(t, db, definition)
	require.NoError(t, service.ResumeRun(ctx, &workflow.ResumeRunReq{RunID: detail.ID, Event: map[string]any{"ok": true}}))
	detail, err = service.GetRunDetail(ctx, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, detail.Status)
	assert.Equal(t, 0, detail.Counters.Halted)
	assert.Equal(t, 2, detail.Counters.Finished)
	assert.Equal(t, []string{"first", "second", "gate0", "last", "first", "second", "gate1", "last"}, tr.list())
}

// TestErrorScenario token1 失败, token0 保持完成状态
func TestErrorScenario(t *testing.T) {
	ctx := context.Background()
	definition := mustDefinition(t, "fail_second",
		workflow.Task("check", func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
			if token.Seq == 1 {
				return errors.New("broken record")
			}
			return nil
		}),
	)
	service := setupTestService(t, openTestDB(t), definition)
	_, err := service.CreateRun(ctx, &workflow.CreateRunReq{DefinitionName: "fail_second", Payloads: []any{1, 2}, IsRun: true})
	require.Error(t, err)
	var runErr *workflow.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "0", runErr.Position.String())

	detail, err := service.GetRunDetail(ctx, runErr.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusError, detail.Status)
	assert.Equal(t, 1, detail.Counters.Error)
	assert.Equal(t, workflow.TokenStatusCompleted, detail.Tokens[0].Status)
	assert.Equal(t, workflow.TokenStatusError, detail.Tokens[1].Status)
	assert.Equal(t, runErr.TokenID, detail.Tokens[1].ID)

	// 失败的run不能再执行
	err = service.ProcessRun(ctx, detail.ID)
	assert.ErrorIs(t, err, workflow.ErrRunNotResumable)
}

func BenchmarkRunCreation(b *testing.B) {
	definition := mustDefinition(b, "bench", workflow.Task("noop", func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
		return nil
	}))
	service := setupTestService(b, openTestDB(b), definition)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := service.CreateRun(ctx, &workflow.CreateRunReq{
			DefinitionName: "bench",
			Payloads:       []any{map[string]any{"index": i}},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
