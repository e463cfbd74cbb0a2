package commonregister

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/blingmoon/resumable-workflow/workflow"
	"github.com/blingmoon/resumable-workflow/workflow/luaexpr"
)

const (
	RecordApprovalWorkflow  = "record_approval"
	DocumentProcessWorkflow = "document_process"

	// run side state 里面已经入库的记录id列表
	KnownRecordsKey = "known_records"
	// 挂起时给审批人看的建议操作
	ApprovalAction = "approval"
)

// 每个导入的文档: 转换 -> 已经入库的直接记日志跳过 -> 新文档逐个下载附件 -> 上传
const documentProcessDefinition = `
name: document_process
description: 导入文档, 新文档按文件逐个下载之后上传
steps:
  - task: convert_record
  - if: quick_match_record
    not: true
    then:
      - foreach:
          list: payload.files
          save_as: file
        do:
          - task: fulltext_download
      - task: upload_record
    else:
      - task: log_already_present
`

/**
 * @description: 注册记录审批和文档处理两个流程, 以及它们用到的任务
 *               registry 没有表达式编译器时会设置lua编译器
 * @param registry *workflow.Registry
 * @return error
 */
func RegisterRecordApproval(registry *workflow.Registry) error {
	if !registry.HasExpressionCompiler() {
		registry.SetExpressionCompiler(luaexpr.NewCompiler())
	}
	tasks := map[string]workflow.TaskFunc{
		"convert_record":      convertRecord,
		"approve_record":      approveRecord,
		"upload_record":       uploadRecord,
		"fulltext_download":   fulltextDownload,
		"log_rejected":        logInfo("record rejected"),
		"log_already_present": logInfo("record already in database"),
	}
	for name, fn := range tasks {
		if err := registry.RegisterTask(name, fn); err != nil {
			return errors.WithMessagef(err, "register task %s failed", name)
		}
	}
	if err := registry.RegisterEvaluator("quick_match_record", quickMatchRecord); err != nil {
		return errors.WithMessage(err, "register quick_match_record failed")
	}
	if err := registry.RegisterEvaluator("was_approved", wasApproved); err != nil {
		return errors.WithMessage(err, "register was_approved failed")
	}

	// 1. 代码定义的审批流程
	definition, err := workflow.NewWorkflowDefinition(RecordApprovalWorkflow,
		workflow.Task("convert_record", convertRecord),
		workflow.IfNot(quickMatchRecord),
		workflow.Block(
			workflow.Task("approve_record", approveRecord),
			workflow.If(wasApproved),
			workflow.Block(
				workflow.Task("upload_record", uploadRecord),
			),
			workflow.Else(),
			workflow.Block(
				workflow.Task("log_rejected", logInfo("record rejected")),
			),
		),
		workflow.Else(),
		workflow.Block(
			workflow.Task("log_already_present", logInfo("record already in database")),
		),
	)
	if err != nil {
		return errors.WithMessage(err, "build record_approval failed")
	}
	if err := registry.RegisterDefinition(definition); err != nil {
		return err
	}

	// 2. yaml定义的文档处理流程
	if _, err := registry.LoadDefinitionBytes([]byte(documentProcessDefinition)); err != nil {
		return errors.WithMessage(err, "load document_process failed")
	}
	return nil
}

// convertRecord 记录必须带有id, 标题统一放到title字段
func convertRecord(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
	id, ok := token.Payload.Field("id")
	if !ok || id.IsNull() {
		return errors.Wrapf(workflow.ErrWorkBussinessWarningError, "record without id: %s", token.Payload)
	}
	if _, ok := token.Payload.Field("title"); !ok {
		token.Payload = token.Payload.WithField("title", workflow.StringValue("No title"))
	}
	return token.SideState.SetAny([]string{"converted_at"}, time.Now().Unix())
}

// quickMatchRecord 记录id已经在run的known_records里面
func quickMatchRecord(ctx context.Context, token *workflow.Token, run *workflow.Run) (any, error) {
	id, _ := token.Payload.Field("id")
	known, ok := run.SideState.Get(KnownRecordsKey)
	if !ok {
		return false, nil
	}
	list, _ := known.AsList()
	for _, item := range list {
		if item.Equal(id) {
			return true, nil
		}
	}
	return false, nil
}

// approveRecord 没有审批结果时挂起, 等待ResumeRun带上 {"approved": bool}
func approveRecord(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
	approved, ok := token.Event("approved")
	if !ok {
		title, _ := token.Payload.Field("title")
		return workflow.Halt("Record needs approval: "+title.String(), ApprovalAction)
	}
	b, ok := approved.AsBool()
	if !ok {
		return errors.Errorf("approval event is %s, not a bool", approved.Kind())
	}
	return token.SideState.SetAny([]string{"approved"}, b)
}

func wasApproved(ctx context.Context, token *workflow.Token, run *workflow.Run) (any, error) {
	approved, _ := token.SideState.GetBool("approved")
	return approved, nil
}

// fulltextDownload 在foreach里面执行, payload是当前文件名, 空文件名忽略
func fulltextDownload(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
	file, ok := token.Payload.AsString()
	if !ok || file == "" {
		return nil
	}
	downloaded, _ := token.SideState.Get("downloaded")
	list, _ := downloaded.AsList()
	return token.SideState.Set([]string{"downloaded"}, workflow.ListValue(append(list, workflow.StringValue(file))...))
}

// uploadRecord 上传之后记录id加到run的known_records, 同一个run里面重复的记录会被跳过
func uploadRecord(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
	id, _ := token.Payload.Field("id")
	known, _ := run.SideState.Get(KnownRecordsKey)
	list, _ := known.AsList()
	if err := run.SideState.Set([]string{KnownRecordsKey}, workflow.ListValue(append(list, id)...)); err != nil {
		return err
	}
	token.Payload = token.Payload.WithField("uploaded", workflow.BoolValue(true))
	return nil
}

func logInfo(message string) workflow.TaskFunc {
	return func(ctx context.Context, token *workflow.Token, run *workflow.Run) error {
		id, _ := token.Payload.Field("id")
		slog.InfoContext(ctx, message, "run_id", run.ID, "record", id.String())
		return token.SideState.SetAny([]string{"log"}, message)
	}
}
