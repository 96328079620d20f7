package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepflowhq/stepflow/model"
)

// StepContext carries everything a handler needs for one attempt.
type StepContext struct {
	Instance  model.WorkflowInstance
	Step      model.WorkflowStep
	Execution model.WorkflowStepExecution
	// Data is the instance-scoped data context payload. Handlers must not
	// mutate it; new values go into Result.Output.
	Data map[string]any
}

// Result is the outcome of a successful handler attempt.
type Result struct {
	// Waiting parks the step until an external approve/reject call.
	Waiting bool
	// Output is merged into the execution record and the data context.
	Output map[string]any
}

// Handler executes one step type.
type Handler interface {
	Type() model.StepType
	Execute(ctx context.Context, sc StepContext) (Result, error)
}

// --- Collaborator interfaces ---

// AITaskRequest is a delegated AI task record handed to the orchestrator.
type AITaskRequest struct {
	ID         string
	InstanceID string
	StepID     string
	TaskType   string
	Prompt     string
	Payload    map[string]any
}

// AITaskResult is the orchestrator's verdict on a delegated task.
type AITaskResult struct {
	Success      bool
	Output       map[string]any
	ErrorMessage string
}

// AIOrchestrator runs delegated AI tasks on behalf of AITask steps.
type AIOrchestrator interface {
	Submit(ctx context.Context, req AITaskRequest) (AITaskResult, error)
}

// Integrator invokes an operation on an external system.
type Integrator interface {
	Invoke(ctx context.Context, system, operation string, payload map[string]any) (map[string]any, error)
}

// Notifier dispatches a notification to a single recipient.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// --- Registry ---

// Registry is the open dispatch table from step type to handler.
type Registry struct {
	handlers map[model.StepType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.StepType]Handler)}
}

// Register adds a handler, replacing any previous handler for its type.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Type()] = h
}

// Get returns the handler for a step type.
func (r *Registry) Get(t model.StepType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// DefaultRegistry builds a registry with all built-in handlers wired to the
// given collaborators.
func DefaultRegistry(ai AIOrchestrator, integrator Integrator, notifier Notifier) *Registry {
	r := NewRegistry()
	r.Register(TaskHandler{})
	r.Register(ApprovalHandler{})
	r.Register(ConditionHandler{})
	r.Register(AITaskHandler{Orchestrator: ai})
	r.Register(IntegrationHandler{Integrator: integrator})
	r.Register(DataTransformationHandler{})
	r.Register(NotificationHandler{Notifier: notifier})
	r.Register(DelayHandler{})
	return r
}

// --- Built-in handlers ---

// TaskHandler completes generic work items. The actual work happens outside
// the engine; the handler records completion.
type TaskHandler struct{}

func (TaskHandler) Type() model.StepType { return model.StepTypeTask }

func (TaskHandler) Execute(_ context.Context, sc StepContext) (Result, error) {
	return Result{Output: map[string]any{
		"completed":    true,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}}, nil
}

// ApprovalHandler never self-completes. It parks the step until an external
// approve or reject call arrives.
type ApprovalHandler struct{}

func (ApprovalHandler) Type() model.StepType { return model.StepTypeApproval }

func (ApprovalHandler) Execute(_ context.Context, sc StepContext) (Result, error) {
	return Result{Waiting: true}, nil
}

// ConditionHandler evaluates the step's execution conditions against the
// data context and completes with the boolean result.
type ConditionHandler struct{}

func (ConditionHandler) Type() model.StepType { return model.StepTypeCondition }

func (ConditionHandler) Execute(_ context.Context, sc StepContext) (Result, error) {
	result := EvaluateCondition(sc.Step.ExecutionConditions, sc.Data)
	return Result{Output: map[string]any{
		"condition":        sc.Step.ExecutionConditions,
		"condition_result": result,
	}}, nil
}

// AITaskHandler builds a delegated AI task record from the step
// configuration and submits it to the orchestrator.
type AITaskHandler struct {
	Orchestrator AIOrchestrator
}

func (AITaskHandler) Type() model.StepType { return model.StepTypeAITask }

func (h AITaskHandler) Execute(ctx context.Context, sc StepContext) (Result, error) {
	if h.Orchestrator == nil {
		return Result{}, fmt.Errorf("no AI orchestrator configured")
	}

	req := AITaskRequest{
		ID:         uuid.New().String(),
		InstanceID: sc.Instance.ID,
		StepID:     sc.Step.ID,
		TaskType:   configString(sc.Step.Config, "task_type"),
		Prompt:     configString(sc.Step.Config, "prompt"),
		Payload:    sc.Data,
	}

	res, err := h.Orchestrator.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		// Propagate the orchestrator's message verbatim.
		return Result{}, fmt.Errorf("%s", res.ErrorMessage)
	}

	output := map[string]any{"ai_task_id": req.ID}
	for k, v := range res.Output {
		output[k] = v
	}
	return Result{Output: output}, nil
}

// IntegrationHandler delegates to an external system call.
type IntegrationHandler struct {
	Integrator Integrator
}

func (IntegrationHandler) Type() model.StepType { return model.StepTypeIntegration }

func (h IntegrationHandler) Execute(ctx context.Context, sc StepContext) (Result, error) {
	if h.Integrator == nil {
		return Result{}, fmt.Errorf("no integrator configured")
	}

	system := configString(sc.Step.Config, "system")
	operation := configString(sc.Step.Config, "operation")

	out, err := h.Integrator.Invoke(ctx, system, operation, sc.Data)
	if err != nil {
		return Result{}, fmt.Errorf("integration %s/%s: %w", system, operation, err)
	}
	return Result{Output: out}, nil
}

// DataTransformationHandler remaps data context fields into the step output.
// The configuration carries a "mappings" object of output-key to data-key
// pairs and an optional "set" object of literal values.
type DataTransformationHandler struct{}

func (DataTransformationHandler) Type() model.StepType { return model.StepTypeDataTransformation }

func (DataTransformationHandler) Execute(_ context.Context, sc StepContext) (Result, error) {
	output := make(map[string]any)

	if mappings, ok := sc.Step.Config["mappings"].(map[string]any); ok {
		for outKey, srcKey := range mappings {
			src, ok := srcKey.(string)
			if !ok {
				continue
			}
			if v, ok := sc.Data[src]; ok {
				output[outKey] = v
			}
		}
	}
	if set, ok := sc.Step.Config["set"].(map[string]any); ok {
		for k, v := range set {
			output[k] = v
		}
	}

	output["transformed"] = true
	return Result{Output: output}, nil
}

// NotificationHandler dispatches notifications via the external channel.
// Delivery is best effort: individual send failures do not fail the step,
// they are recorded in the output.
type NotificationHandler struct {
	Notifier Notifier
}

func (NotificationHandler) Type() model.StepType { return model.StepTypeNotification }

func (h NotificationHandler) Execute(ctx context.Context, sc StepContext) (Result, error) {
	subject := configString(sc.Step.Config, "subject")
	body := configString(sc.Step.Config, "message")

	var recipients []string
	if raw, ok := sc.Step.Config["recipients"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				recipients = append(recipients, s)
			}
		}
	}

	sent := 0
	var failed []string
	for _, recipient := range recipients {
		if h.Notifier == nil {
			failed = append(failed, recipient)
			continue
		}
		if err := h.Notifier.Send(ctx, recipient, subject, body); err != nil {
			failed = append(failed, recipient)
			continue
		}
		sent++
	}

	output := map[string]any{"notified": sent}
	if len(failed) > 0 {
		output["failed_recipients"] = failed
	}
	return Result{Output: output}, nil
}

// DelayHandler suspends execution for a configured duration. A malformed or
// missing "delayMs" value is tolerated and applies no delay.
type DelayHandler struct{}

func (DelayHandler) Type() model.StepType { return model.StepTypeDelay }

func (DelayHandler) Execute(ctx context.Context, sc StepContext) (Result, error) {
	delay := delayFromConfig(sc.Step.Config)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return Result{Output: map[string]any{"delayed_ms": delay.Milliseconds()}}, nil
}

// delayFromConfig reads "delayMs" tolerating the numeric shapes JSON and
// YAML decoding produce.
func delayFromConfig(config map[string]any) time.Duration {
	raw, ok := config["delayMs"]
	if !ok {
		return 0
	}

	var ms float64
	switch v := raw.(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	case int64:
		ms = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		ms = parsed
	default:
		return 0
	}

	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// configString reads a string value from a step configuration.
func configString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// EvaluateCondition evaluates a simple condition expression against the data
// context. Supports "field == 'value'" and "field != 'value'". Unparseable
// conditions are treated as true (permissive).
func EvaluateCondition(condition string, data map[string]any) bool {
	if parts := splitCondition(condition, "=="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return fmt.Sprint(data[field]) == expected
	}
	if parts := splitCondition(condition, "!="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return fmt.Sprint(data[field]) != expected
	}
	return true
}

// splitCondition splits a condition string by an operator, but only if the
// operator isn't part of a longer operator (e.g., != vs ==).
func splitCondition(s, op string) []string {
	idx := -1
	for i := 0; i <= len(s)-len(op); i++ {
		if s[i:i+len(op)] == op {
			// For "==", make sure it's not "!=".
			if op == "==" && i > 0 && s[i-1] == '!' {
				continue
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	return []string{s[:idx], s[idx+len(op):]}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}
