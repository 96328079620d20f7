package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stepflowhq/stepflow/model"
)

func TestResilience_AIFailureRejectsAndRetryRecovers(t *testing.T) {
	h := NewHarness(t)
	h.SeedTemplate(0, taskStep("s1", 1), aiStep("s2", 2))
	ctx := context.Background()
	rctx := h.RequestContext()

	h.Orchestrator.FailWith("model quota exceeded")

	inst, err := h.Service.CreateInstance(ctx, rctx, createReq("c-1"))
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if _, err = h.Service.StartWorkflow(ctx, rctx, inst.ID); model.ErrorCode(err) != model.ErrHandlerFailure {
		t.Fatalf("StartWorkflow() error = %v, want HANDLER_FAILURE", err)
	}

	inst, err = h.Store.GetInstance(ctx, testTenant, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != model.InstanceStatusRejected {
		t.Errorf("Status = %q, want rejected", inst.Status)
	}

	exec := h.Executions(inst.ID)["s2"]
	if exec.Status != model.ExecutionStatusFailed {
		t.Fatalf("execution status = %q, want failed", exec.Status)
	}
	if exec.ErrorMessage != "model quota exceeded" {
		t.Errorf("ErrorMessage = %q, want the handler message verbatim", exec.ErrorMessage)
	}

	// A retry reuses the same execution record and can succeed even though
	// the instance itself stays rejected.
	retried, err := h.Engine.RetryStep(ctx, rctx, exec.ID)
	if err != nil {
		t.Fatalf("RetryStep() error = %v", err)
	}
	if retried.ID != exec.ID {
		t.Errorf("retry created a new execution %q, want %q", retried.ID, exec.ID)
	}
	if retried.Status != model.ExecutionStatusCompleted {
		t.Errorf("retried status = %q, want completed", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", retried.RetryCount)
	}
}

func TestResilience_SLASweepNotifiesInitiator(t *testing.T) {
	h := NewHarness(t)
	h.SeedTemplate(1, approvalStep("s1", 1))
	ctx := context.Background()
	rctx := h.RequestContext()

	inst := h.StartInstance(nil)

	// Backdate the instance past its SLA window.
	stored, err := h.Store.GetInstance(ctx, testTenant, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	stored.CreatedAt = stored.CreatedAt.Add(-2 * time.Hour)
	if err := h.Store.UpdateInstance(ctx, stored); err != nil {
		t.Fatal(err)
	}

	breaches, err := h.Service.SweepSLABreaches(ctx, rctx)
	if err != nil {
		t.Fatalf("SweepSLABreaches() error = %v", err)
	}
	if breaches != 1 {
		t.Fatalf("breaches = %d, want 1", breaches)
	}
	recipients := h.Notifier.Recipients()
	if len(recipients) != 1 || recipients[0] != "user-1" {
		t.Errorf("notified = %v, want the initiator", recipients)
	}

	history, err := h.Service.GetWorkflowHistory(ctx, rctx, inst.ID)
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
		t.Error("expected an sla_breached entry in the workflow history")
	}
}
