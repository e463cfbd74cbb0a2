package commonregister

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blingmoon/resumable-workflow/workflow"
)

func newService(t *testing.T) workflow.EngineService {
	t.Helper()
	registry := workflow.NewRegistry()
	require.NoError(t, RegisterRecordApproval(registry))
	require.NoError(t, registry.Preload())
	return workflow.NewEngineService(workflow.NewMemoryRunStore(), nil, registry)
}

func TestRecordApproval(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{
		DefinitionName: RecordApprovalWorkflow,
		Payloads: []any{
			map[string]any{"id": 1, "title": "first"},
			map[string]any{"id": 2},
			map[string]any{"id": 3, "title": "known"},
		},
		SideState: map[string]any{KnownRecordsKey: []any{3}},
		IsRun:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusHalted, detail.Status)
	assert.Equal(t, "Record needs approval: first", detail.Tokens[0].HaltMessage)
	assert.Equal(t, ApprovalAction, detail.Tokens[0].HaltAction)

	require.NoError(t, service.ResumeRun(ctx, &workflow.ResumeRunReq{RunID: detail.ID, Event: map[string]any{"approved": true}}))
	detail, err = service.GetRunDetail(ctx, detail.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunStatusHalted, detail.Status)
	assert.Equal(t, "Record needs approval: No title", detail.Tokens[1].HaltMessage)

	require.NoError(t, service.ResumeRun(ctx, &workflow.ResumeRunReq{RunID: detail.ID, Event: map[string]any{"approved": false}}))
	detail, err = service.GetRunDetail(ctx, detail.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, detail.Status)

	assert.Equal(t, []string{"convert_record", "approve_record", "upload_record"}, detail.Tokens[0].TaskHistory)
	assert.Equal(t, true, detail.Tokens[0].Payload.(map[string]any)["uploaded"])
	assert.Equal(t, []string{"convert_record", "approve_record", "log_rejected"}, detail.Tokens[1].TaskHistory)
	assert.Equal(t, "record rejected", detail.Tokens[1].SideState["log"])
	assert.Equal(t, []string{"convert_record", "log_already_present"}, detail.Tokens[2].TaskHistory)
	assert.Equal(t, []any{int64(3), int64(1)}, detail.SideState[KnownRecordsKey])
}

func TestRecordApprovalMissingID(t *testing.T) {
	ctx := context.Background()
	service := newService(t)
	_, err := service.CreateRun(ctx, &workflow.CreateRunReq{
		DefinitionName: RecordApprovalWorkflow,
		Payloads:       []any{map[string]any{"title": "no id"}},
		IsRun:          true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrWorkBussinessWarningError)
	var runErr *workflow.RunError
	assert.ErrorAs(t, err, &runErr)
}

func TestDocumentProcess(t *testing.T) {
	ctx := context.Background()
	service := newService(t)
	detail, err := service.CreateRun(ctx, &workflow.CreateRunReq{
		DefinitionName: DocumentProcessWorkflow,
		Payloads: []any{
			map[string]any{"id": "a", "files": []any{"a.pdf", "", "a.tex"}},
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		},
		IsRun: true,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, detail.Status)

	first := detail.Tokens[0]
	assert.Equal(t, []any{"a.pdf", "a.tex"}, first.SideState["downloaded"])
	assert.Equal(t, "a.tex", first.SideState["file"])
	assert.Equal(t, true, first.Payload.(map[string]any)["uploaded"])
	// 同一个run里面第二次出现的记录已经入库
	assert.Equal(t, []string{"convert_record", "log_already_present"}, detail.Tokens[1].TaskHistory)
	assert.Equal(t, []string{"convert_record", "upload_record"}, detail.Tokens[2].TaskHistory)
}
