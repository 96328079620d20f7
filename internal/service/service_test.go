package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stepflowhq/stepflow/internal/engine"
	"github.com/stepflowhq/stepflow/internal/store"
	"github.com/stepflowhq/stepflow/model"
)

const testTenant = "tenant-1"

type stubOrchestrator struct{}

func (stubOrchestrator) Submit(context.Context, engine.AITaskRequest) (engine.AITaskResult, error) {
	return engine.AITaskResult{Success: true}, nil
}

type stubIntegrator struct{}

func (stubIntegrator) Invoke(context.Context, string, string, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type stubNotifier struct {
	sent []string
}

func (n *stubNotifier) Send(_ context.Context, recipient, subject, body string) error {
	n.sent = append(n.sent, recipient)
	return nil
}

func testRequestContext() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", TenantID: testTenant, CorrelationID: "corr-1"}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *stubNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := &stubNotifier{}
	registry := engine.DefaultRegistry(stubOrchestrator{}, stubIntegrator{}, notifier)
	eng := engine.New(st, registry, zap.NewNop(), nil, 0, 3)
	svc := New(st, eng, notifier, NewMemoryIdempotencyStore(), time.Hour, zap.NewNop(), nil)
	return svc, st, notifier
}

// seedTemplate creates an active template with the given steps.
func seedTemplate(t *testing.T, st *store.MemoryStore, slaHours float64, steps ...model.WorkflowStep) model.WorkflowTemplate {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tpl := model.WorkflowTemplate{
		ID: "tpl-1", TenantID: testTenant, Name: "case review",
		Version: 1, SLAHours: slaHours, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CreateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}
	for i := range steps {
		steps[i].TemplateID = tpl.ID
		steps[i].Active = true
		if steps[i].MaxRetries == 0 {
			steps[i].MaxRetries = 3
		}
		if steps[i].Config == nil {
			steps[i].Config = map[string]any{"kind": "test"}
		}
		if err := st.CreateStep(ctx, steps[i]); err != nil {
			t.Fatal(err)
		}
	}
	return tpl
}

func taskStep(id string, order int) model.WorkflowStep {
	return model.WorkflowStep{ID: id, Name: id, Type: model.StepTypeTask, Order: order}
}

func approvalStep(id string, order int) model.WorkflowStep {
	return model.WorkflowStep{ID: id, Name: id, Type: model.StepTypeApproval, Order: order, RequiresApproval: true}
}

func TestCreateInstance(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 4, taskStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()

	inst, err := svc.CreateInstance(ctx, rctx, CreateInstanceRequest{
		TemplateID: "tpl-1",
		Name:       "review ACME",
		Priority:   2,
		Data:       map[string]any{"case_id": "c-1"},
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if inst.Status != model.InstanceStatusCreated {
		t.Errorf("Status = %q, want created", inst.Status)
	}
	if inst.InitiatedBy != "user-1" {
		t.Errorf("InitiatedBy = %q, want user-1", inst.InitiatedBy)
	}
	if inst.DueDate == nil {
		t.Fatal("DueDate should derive from the template SLA")
	}
	wantDue := inst.CreatedAt.Add(4 * time.Hour)
	if inst.DueDate.Sub(wantDue) > time.Second || wantDue.Sub(*inst.DueDate) > time.Second {
		t.Errorf("DueDate = %v, want ~%v", inst.DueDate, wantDue)
	}

	history, err := svc.GetWorkflowHistory(ctx, rctx, inst.ID)
	if err != nil {
		t.Fatalf("GetWorkflowHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Action != "workflow_created" {
		t.Errorf("history = %+v, want one workflow_created entry", history)
	}
}

func TestCreateInstance_idempotentReplay(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 0, taskStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()

	req := CreateInstanceRequest{TemplateID: "tpl-1", Name: "run", IdempotencyKey: "k-1"}

	first, err := svc.CreateInstance(ctx, rctx, req)
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	second, err := svc.CreateInstance(ctx, rctx, req)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned a new instance %q, want %q", second.ID, first.ID)
	}

	// Same key with different input conflicts.
	req.Name = "different"
	if _, err := svc.CreateInstance(ctx, rctx, req); model.ErrorCode(err) != model.ErrConflict {
		t.Errorf("error code = %q, want CONFLICT", model.ErrorCode(err))
	}
}

func TestCreateInstance_inactiveTemplate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tpl := model.WorkflowTemplate{ID: "tpl-off", TenantID: testTenant, Name: "off", Active: false, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateTemplate(ctx, tpl); err != nil {
		t.Fatal(err)
	}

	_, err := svc.CreateInstance(ctx, testRequestContext(), CreateInstanceRequest{TemplateID: "tpl-off"})
	if model.ErrorCode(err) != model.ErrInvalidState {
		t.Errorf("error code = %q, want INVALID_STATE", model.ErrorCode(err))
	}
}

func TestCreateInstance_invalidTemplate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	// Condition step with empty conditions makes the template invalid.
	seedTemplate(t, st, 0, model.WorkflowStep{ID: "s1", Name: "route", Type: model.StepTypeCondition, Order: 1})

	_, err := svc.CreateInstance(ctx, testRequestContext(), CreateInstanceRequest{TemplateID: "tpl-1"})
	if model.ErrorCode(err) != model.ErrValidationFailed {
		t.Errorf("error code = %q, want VALIDATION_FAILED", model.ErrorCode(err))
	}
}

func TestApprovalLifecycle(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 0, taskStep("s1", 1), approvalStep("s2", 2), taskStep("s3", 3))
	ctx := context.Background()
	rctx := testRequestContext()

	inst, err := svc.CreateInstance(ctx, rctx, CreateInstanceRequest{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	started, err := svc.StartWorkflow(ctx, rctx, inst.ID)
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if started.Status != model.InstanceStatusWaitingForApproval {
		t.Fatalf("Status = %q, want waiting_for_approval", started.Status)
	}

	// Starting twice is an invalid transition.
	if _, err := svc.StartWorkflow(ctx, rctx, inst.ID); model.ErrorCode(err) != model.ErrInvalidState {
		t.Errorf("restart error code = %q, want INVALID_STATE", model.ErrorCode(err))
	}

	approved, err := svc.ApproveStep(ctx, rctx, inst.ID, "looks good")
	if err != nil {
		t.Fatalf("ApproveStep() error = %v", err)
	}
	if approved.Status != model.InstanceStatusCompleted {
		t.Errorf("Status = %q, want completed", approved.Status)
	}
	if approved.CurrentStepIndex != 3 {
		t.Errorf("CurrentStepIndex = %d, want 3", approved.CurrentStepIndex)
	}

	history, err := svc.GetWorkflowHistory(ctx, rctx, inst.ID)
	if err != nil {
		t.Fatalf("GetWorkflowHistory() error = %v", err)
	}
	// Newest first: step_approved, workflow_started, workflow_created.
	if len(history) != 3 {
		t.Fatalf("history = %d entries, want 3", len(history))
	}
	if history[0].Action != "step_approved" || history[2].Action != "workflow_created" {
		t.Errorf("history order = [%s %s %s]", history[0].Action, history[1].Action, history[2].Action)
	}

	// Nothing left to approve.
	if _, err := svc.ApproveStep(ctx, rctx, inst.ID, ""); model.ErrorCode(err) != model.ErrInvalidState {
		t.Errorf("approve after completion: error code = %q, want INVALID_STATE", model.ErrorCode(err))
	}
}

func TestRejectStep(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 0, approvalStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()

	inst, err := svc.CreateInstance(ctx, rctx, CreateInstanceRequest{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartWorkflow(ctx, rctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	rejected, err := svc.RejectStep(ctx, rctx, inst.ID, "missing documents")
	if err != nil {
		t.Fatalf("RejectStep() error = %v", err)
	}
	if rejected.Status != model.InstanceStatusRejected {
		t.Errorf("Status = %q, want rejected", rejected.Status)
	}
	if rejected.CompletedAt == nil {
		t.Error("CompletedAt should be stamped on rejection")
	}

	exec, _, _ := st.FindExecution(ctx, inst.ID, "s1")
	if exec.Status != model.ExecutionStatusFailed {
		t.Errorf("execution status = %q, want failed", exec.Status)
	}
	if exec.ErrorMessage != "rejected: missing documents" {
		t.Errorf("ErrorMessage = %q", exec.ErrorMessage)
	}
}

func TestCancelWorkflow(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 0, approvalStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()

	inst, err := svc.CreateInstance(ctx, rctx, CreateInstanceRequest{TemplateID: "tpl-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartWorkflow(ctx, rctx, inst.ID); err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.CancelWorkflow(ctx, rctx, inst.ID, "superseded")
	if err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}
	if cancelled.Status != model.InstanceStatusCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}

	// Cancelling again is an explicit error, not a no-op.
	if _, err := svc.CancelWorkflow(ctx, rctx, inst.ID, "again"); model.ErrorCode(err) != model.ErrInvalidState {
		t.Errorf("error code = %q, want INVALID_STATE", model.ErrorCode(err))
	}
}

func TestIsSLABreached(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedTemplate(t, st, 1, taskStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()
	past := time.Now().UTC().Add(-2 * time.Hour)

	// Overdue and still running: breached.
	overdue := model.WorkflowInstance{
		ID: "wf-late", TenantID: testTenant, TemplateID: "tpl-1",
		Status: model.InstanceStatusInProgress, Version: 1,
		CreatedAt: past, UpdatedAt: past,
	}
	if err := st.CreateInstance(ctx, overdue); err != nil {
		t.Fatal(err)
	}
	breached, err := svc.IsSLABreached(ctx, rctx, "wf-late")
	if err != nil {
		t.Fatalf("IsSLABreached() error = %v", err)
	}
	if !breached {
		t.Error("overdue running instance should breach")
	}

	// Completed within the deadline: not breached even though time passed.
	doneAt := past.Add(30 * time.Minute)
	onTime := model.WorkflowInstance{
		ID: "wf-ontime", TenantID: testTenant, TemplateID: "tpl-1",
		Status: model.InstanceStatusCompleted, Version: 1,
		CreatedAt: past, UpdatedAt: doneAt, CompletedAt: &doneAt,
	}
	if err := st.CreateInstance(ctx, onTime); err != nil {
		t.Fatal(err)
	}
	breached, err = svc.IsSLABreached(ctx, rctx, "wf-ontime")
	if err != nil {
		t.Fatalf("IsSLABreached() error = %v", err)
	}
	if breached {
		t.Error("instance completed within the deadline should not breach")
	}

	// Completed after the deadline: still not breached, completion clears it.
	lateDone := past.Add(90 * time.Minute)
	lateCompleted := model.WorkflowInstance{
		ID: "wf-latedone", TenantID: testTenant, TemplateID: "tpl-1",
		Status: model.InstanceStatusCompleted, Version: 1,
		CreatedAt: past, UpdatedAt: lateDone, CompletedAt: &lateDone,
	}
	if err := st.CreateInstance(ctx, lateCompleted); err != nil {
		t.Fatal(err)
	}
	breached, err = svc.IsSLABreached(ctx, rctx, "wf-latedone")
	if err != nil {
		t.Fatalf("IsSLABreached() error = %v", err)
	}
	if breached {
		t.Error("completed instance should never breach, even when finished late")
	}
}

func TestSweepSLABreaches(t *testing.T) {
	svc, st, notifier := newTestService(t)
	seedTemplate(t, st, 1, taskStep("s1", 1))
	ctx := context.Background()
	rctx := testRequestContext()
	past := time.Now().UTC().Add(-2 * time.Hour)

	late := model.WorkflowInstance{
		ID: "wf-late", TenantID: testTenant, TemplateID: "tpl-1",
		Status: model.InstanceStatusInProgress, InitiatedBy: "user-1",
		Version: 1, CreatedAt: past, UpdatedAt: past,
	}
	if err := st.CreateInstance(ctx, late); err != nil {
		t.Fatal(err)
	}

	breaches, err := svc.SweepSLABreaches(ctx, rctx)
	if err != nil {
		t.Fatalf("SweepSLABreaches() error = %v", err)
	}
	if breaches != 1 {
		t.Errorf("breaches = %d, want 1", breaches)
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != "user-1" {
		t.Errorf("notifications sent to %v, want the initiator", notifier.sent)
	}

	history, err := svc.GetWorkflowHistory(ctx, rctx, "wf-late")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, entry := range history {
		if entry.Action == "sla_breached" {
			found = true
		}
	}
	if !found {
		t.Error("sla_breached audit entry missing")
	}
}

func TestSendNotifications(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	sent := svc.SendNotifications(ctx, testRequestContext(), []string{"a@example.com", "b@example.com"}, "due", "review due")
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("notifier saw %d sends, want 2", len(notifier.sent))
	}
}

func TestGetWorkflowHistory_missingInstance(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetWorkflowHistory(context.Background(), testRequestContext(), "ghost")
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("error code = %q, want NOT_FOUND", model.ErrorCode(err))
	}
}
