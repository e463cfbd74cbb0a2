// Package workflow 提供可恢复的工作流引擎。
//
// 流程定义是一棵嵌套的节点序列，一个 run 把同一个定义依次作用在一组 token 上，
// 每个 token 带着自己的 payload 和 side state 从头走到尾。任务可以挂起 run，
// 之后通过外部事件恢复，所有状态都保存在数据库里，进程重启之后从保存的位置继续。
//
// 主要特性：
//   - 控制节点：If / IfNot / Else / For / ForEach / EndFor，任意层嵌套
//   - 信号：任务返回 Continue / Break / Abort / Skip / JumpToken / JumpCall / Halt 改变执行路径
//   - 持久化：GORM 实现（SQLite、PostgreSQL），也可以自己实现 RunStore
//   - 并发安全：同一个 run 同时只会被一个 goroutine 处理，支持本地锁和 Redis 锁
//   - YAML 定义：任务按名字注册，条件和循环参数可以写 Lua 表达式
//   - 指标：prometheus 计数器和任务耗时
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/resumable-workflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(&workflow.RunPo{}, &workflow.TokenPo{})
//
//	    // 2. 定义流程
//	    definition, _ := workflow.NewWorkflowDefinition("approval",
//	        workflow.Task("submit", submit),
//	        workflow.If(workflow.PayloadField("urgent")),
//	        workflow.Block(workflow.Task("approve", approve)),
//	        workflow.Else(),
//	        workflow.Block(workflow.Task("queue", queue)),
//	        workflow.Task("archive", archive),
//	    )
//	    registry := workflow.NewRegistry()
//	    registry.RegisterDefinition(definition)
//
//	    // 3. 创建服务
//	    service := workflow.NewEngineService(workflow.NewGormRunStore(db), workflow.NewLocalRunLock(), registry)
//
//	    // 4. 创建并执行 run，每个 payload 一个 token
//	    detail, _ := service.CreateRun(context.Background(), &workflow.CreateRunReq{
//	        DefinitionName: "approval",
//	        Payloads:       []any{map[string]any{"id": 1, "urgent": true}},
//	        IsRun:          true,
//	    })
//
//	    // 5. approve 返回 workflow.Halt(...) 之后 run 挂起，收到审批结果后恢复
//	    service.ResumeRun(context.Background(), &workflow.ResumeRunReq{
//	        RunID: detail.ID,
//	        Event: map[string]any{"approved": true},
//	    })
//	}
//
// 位置：
//
// 位置是一个整数向量，每一层是当前序列里面的下标，例如 "2.0.1" 表示根序列第 2 个
// block 里面第 0 个 block 的第 1 个节点。run 保存的位置就是挂起或者中断时候的节点。
//
// Side state：
//
//   - token.SideState：token 自己的数据，For 的循环变量、ForEach 的 save_as、恢复时的 event 都写在这里
//   - run.SideState：所有 token 共享，If 的条件缓存和循环寄存器也保存在这里
//
// 恢复：
//
//	// 默认重新执行挂起的任务，任务可以通过 token.Event() 读到外部事件
//	event, ok := token.Event("approved")
//
//	// ResumeContinueNext 跳过挂起的任务，从下一个节点继续
//	service.ResumeRun(ctx, &workflow.ResumeRunReq{RunID: id, ResumePoint: workflow.ResumeContinueNext})
package workflow
