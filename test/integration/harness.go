// Package integration exercises the fully wired workflow service end to end:
// the real engine and service over an in-memory store, a Redis-backed
// idempotency store (miniredis), and scriptable collaborators for AI,
// integration, and notification steps.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stepflowhq/stepflow/internal/engine"
	"github.com/stepflowhq/stepflow/internal/service"
	"github.com/stepflowhq/stepflow/internal/store"
	"github.com/stepflowhq/stepflow/model"
)

const testTenant = "tenant-1"

// Harness wires a complete workflow service for end-to-end scenarios.
// Components are exposed so tests can reach past the service facade when a
// scenario needs to inspect or mutate stored state directly.
type Harness struct {
	t *testing.T

	Store        *store.MemoryStore
	Engine       *engine.Engine
	Service      *service.Service
	Orchestrator *ScriptedOrchestrator
	Integrator   *ScriptedIntegrator
	Notifier     *RecordingNotifier

	seq int
}

// NewHarness builds the full stack. The idempotency store runs against a
// real Redis protocol implementation so the round trip through serialization
// is part of every scenario that uses idempotency keys.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &Harness{
		t:            t,
		Store:        store.NewMemoryStore(),
		Orchestrator: &ScriptedOrchestrator{},
		Integrator:   &ScriptedIntegrator{},
		Notifier:     &RecordingNotifier{},
	}

	registry := engine.DefaultRegistry(h.Orchestrator, h.Integrator, h.Notifier)
	h.Engine = engine.New(h.Store, registry, zap.NewNop(), nil, 30*time.Second, 3)
	h.Service = service.New(h.Store, h.Engine, h.Notifier,
		service.NewRedisIdempotencyStore(client), time.Hour, zap.NewNop(), nil)
	return h
}

// RequestContext returns the caller identity used throughout a scenario.
func (h *Harness) RequestContext() *model.RequestContext {
	return &model.RequestContext{SubjectID: "user-1", TenantID: testTenant, CorrelationID: "corr-1"}
}

// SeedTemplate stores an active template with the given steps. Step order,
// retries, and config are filled in so only the shape under test needs to be
// spelled out by the caller.
func (h *Harness) SeedTemplate(slaHours float64, steps ...model.WorkflowStep) model.WorkflowTemplate {
	h.t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	h.seq++
	tpl := model.WorkflowTemplate{
		ID: "tpl-1", TenantID: testTenant, Name: "case review",
		Version: h.seq, SLAHours: slaHours, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := h.Store.CreateTemplate(ctx, tpl); err != nil {
		h.t.Fatal(err)
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
		if err := h.Store.CreateStep(ctx, steps[i]); err != nil {
			h.t.Fatal(err)
		}
	}
	return tpl
}

// StartInstance creates and starts an instance in one motion, failing the
// test on any error.
func (h *Harness) StartInstance(data map[string]any) model.WorkflowInstance {
	h.t.Helper()
	ctx := context.Background()
	rctx := h.RequestContext()

	inst, err := h.Service.CreateInstance(ctx, rctx, service.CreateInstanceRequest{
		TemplateID: "tpl-1", Name: "review", Data: data,
	})
	if err != nil {
		h.t.Fatalf("CreateInstance() error = %v", err)
	}
	inst, err = h.Service.StartWorkflow(ctx, rctx, inst.ID)
	if err != nil && model.ErrorCode(err) != model.ErrHandlerFailure {
		h.t.Fatalf("StartWorkflow() error = %v", err)
	}
	return inst
}

// Executions returns the execution records for an instance keyed by step ID.
func (h *Harness) Executions(instanceID string) map[string]model.WorkflowStepExecution {
	h.t.Helper()
	execs, err := h.Store.ListExecutions(context.Background(), instanceID)
	if err != nil {
		h.t.Fatal(err)
	}
	byStep := make(map[string]model.WorkflowStepExecution, len(execs))
	for _, e := range execs {
		byStep[e.StepID] = e
	}
	return byStep
}

func createReq(caseID string) service.CreateInstanceRequest {
	return service.CreateInstanceRequest{
		TemplateID: "tpl-1", Name: "review", Data: map[string]any{"case_id": caseID},
	}
}

func taskStep(id string, order int) model.WorkflowStep {
	return model.WorkflowStep{ID: id, Name: id, Type: model.StepTypeTask, Order: order}
}

func approvalStep(id string, order int) model.WorkflowStep {
	return model.WorkflowStep{ID: id, Name: id, Type: model.StepTypeApproval, Order: order, RequiresApproval: true}
}

func aiStep(id string, order int) model.WorkflowStep {
	return model.WorkflowStep{
		ID: id, Name: id, Type: model.StepTypeAITask, Order: order,
		Config: map[string]any{"task_type": "summarize", "prompt": "summarize the case"},
	}
}

func notifyStep(id string, order int, recipients ...any) model.WorkflowStep {
	return model.WorkflowStep{
		ID: id, Name: id, Type: model.StepTypeNotification, Order: order,
		Config: map[string]any{"recipients": recipients, "subject": "update", "message": "done"},
	}
}

// ScriptedOrchestrator serves AI task submissions from a queue of scripted
// results. With no script it succeeds with an empty output.
type ScriptedOrchestrator struct {
	mu       sync.Mutex
	script   []engine.AITaskResult
	Requests []engine.AITaskRequest
}

// Respond queues the next result to return.
func (o *ScriptedOrchestrator) Respond(res engine.AITaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.script = append(o.script, res)
}

// FailWith queues a failed result carrying the given message.
func (o *ScriptedOrchestrator) FailWith(msg string) {
	o.Respond(engine.AITaskResult{Success: false, ErrorMessage: msg})
}

func (o *ScriptedOrchestrator) Submit(_ context.Context, req engine.AITaskRequest) (engine.AITaskResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Requests = append(o.Requests, req)
	if len(o.script) == 0 {
		return engine.AITaskResult{Success: true, Output: map[string]any{"summary": "ok"}}, nil
	}
	res := o.script[0]
	o.script = o.script[1:]
	return res, nil
}

// ScriptedIntegrator records invocations and answers with a canned payload.
type ScriptedIntegrator struct {
	mu    sync.Mutex
	Calls []string
}

func (i *ScriptedIntegrator) Invoke(_ context.Context, system, operation string, _ map[string]any) (map[string]any, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Calls = append(i.Calls, system+"."+operation)
	return map[string]any{"status": "ok"}, nil
}

// RecordingNotifier captures every delivery.
type RecordingNotifier struct {
	mu   sync.Mutex
	Sent []string
}

func (n *RecordingNotifier) Send(_ context.Context, recipient, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, recipient)
	return nil
}

// Recipients returns a copy of the recorded deliveries.
func (n *RecordingNotifier) Recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.Sent))
	copy(out, n.Sent)
	return out
}
