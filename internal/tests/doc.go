// Package tests 是 resumable-workflow 的集成测试模块。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容
//
// 通过 EngineService + gorm sqlite 验证整个引擎的行为：
//   - if/else 分支和条件缓存
//   - for/foreach 循环在挂起之后从寄存器继续
//   - 挂起、恢复和外部事件
//   - 任务失败之后run的状态和计数器
//   - 同一个run的并发处理
//
// 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/resumable-workflow/workflow ./internal/tests/...
//	go tool cover -html=coverage.out
package tests
