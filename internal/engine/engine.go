// Package engine drives workflow instances through their template's step
// sequence: dispatching handlers, persisting the cursor after every
// transition, and projecting status and metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflowhq/stepflow/internal/observability"
	"github.com/stepflowhq/stepflow/internal/store"
	"github.com/stepflowhq/stepflow/model"
)

// instanceScope is the data context scope shared by all steps of an instance.
const instanceScope = "instance"

// retryBackoff is the base delay doubled per attempt when suggesting the
// next retry time on a failed execution.
const retryBackoff = 30 * time.Second

// Engine executes workflow instances. It holds no per-instance state; all
// progress lives in the store, so any engine can resume any instance.
type Engine struct {
	store    store.Store
	handlers *Registry
	logger   *zap.Logger
	metrics  *observability.Metrics

	// stepTimeout applies when a step declares no timeout of its own.
	stepTimeout time.Duration
	// maxRetries applies when a step declares no retry budget of its own.
	maxRetries int
}

// New creates an engine.
func New(st store.Store, handlers *Registry, logger *zap.Logger, metrics *observability.Metrics, stepTimeout time.Duration, maxRetries int) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       st,
		handlers:    handlers,
		logger:      logger,
		metrics:     metrics,
		stepTimeout: stepTimeout,
		maxRetries:  maxRetries,
	}
}

// ExecuteWorkflow runs an instance forward from its durable cursor until it
// completes, parks for approval, or a step fails. It is safe to call again
// on a crashed or resumed instance: completed steps are skipped by their
// execution records and the cursor picks up where it left off.
func (e *Engine) ExecuteWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)
	ctx, span := observability.StartSpan(ctx, "engine.ExecuteWorkflow",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		spanErr = err
		return model.WorkflowInstance{}, err
	}
	span.SetAttributes(observability.AttrTemplateID.String(inst.TemplateID))

	if inst.Status.IsTerminal() || inst.Status == model.InstanceStatusOnHold {
		spanErr = model.NewInvalidStateError(
			fmt.Sprintf("instance %s cannot execute from status %q", inst.ID, inst.Status))
		return inst, spanErr
	}

	steps, err := e.activeSteps(ctx, rctx.TenantID, inst.TemplateID)
	if err != nil {
		spanErr = err
		return inst, err
	}

	logger := observability.InstanceLogger(observability.RequestLogger(ctx, e.logger), inst)

	// Transition into InProgress and stamp the first start.
	now := time.Now().UTC()
	firstRun := inst.StartedAt == nil
	if firstRun {
		inst.StartedAt = &now
	}
	inst.Status = model.InstanceStatusInProgress
	if err := e.saveInstance(ctx, &inst); err != nil {
		spanErr = err
		return inst, err
	}
	if firstRun && e.metrics != nil {
		e.metrics.RecordWorkflowStart(inst.TemplateID)
	}
	logger.Info("workflow execution started",
		zap.Int("cursor", inst.CurrentStepIndex),
		zap.Int("total_steps", len(steps)))

	dataCtx, err := e.ensureDataContext(ctx, inst)
	if err != nil {
		spanErr = err
		return inst, err
	}

	for inst.CurrentStepIndex < len(steps) {
		step := steps[inst.CurrentStepIndex]

		exec, found, err := e.store.FindExecution(ctx, inst.ID, step.ID)
		if err != nil {
			spanErr = err
			return inst, err
		}

		// A step already completed (by a prior run or an approval call)
		// only moves the cursor.
		if found && exec.Status == model.ExecutionStatusCompleted {
			inst.CurrentStepIndex++
			if err := e.saveInstance(ctx, &inst); err != nil {
				spanErr = err
				return inst, err
			}
			continue
		}

		if !found {
			exec = e.newExecution(inst, step, dataCtx.Data)
			if err := e.store.CreateExecution(ctx, exec); err != nil {
				spanErr = err
				return inst, err
			}
		}

		e.runStep(ctx, &exec, step, inst, dataCtx.Data)

		switch exec.Status {
		case model.ExecutionStatusWaitingForApproval:
			inst.Status = model.InstanceStatusWaitingForApproval
			if err := e.saveInstance(ctx, &inst); err != nil {
				spanErr = err
				return inst, err
			}
			if e.metrics != nil {
				e.metrics.RecordApprovalWait(inst.TemplateID)
			}
			logger.Info("workflow waiting for approval",
				zap.String("step_id", step.ID),
				zap.Int("cursor", inst.CurrentStepIndex))
			return inst, nil

		case model.ExecutionStatusFailed:
			inst.Status = model.InstanceStatusRejected
			completed := time.Now().UTC()
			inst.CompletedAt = &completed
			if err := e.saveInstance(ctx, &inst); err != nil {
				spanErr = err
				return inst, err
			}
			e.recordCompletion(inst)
			logger.Warn("workflow rejected after step failure",
				zap.String("step_id", step.ID),
				zap.String("error", exec.ErrorMessage))
			spanErr = model.NewHandlerFailureError(
				fmt.Sprintf("step %q failed: %s", step.Name, exec.ErrorMessage))
			return inst, spanErr

		default:
			// Completed: merge output into the shared data context and
			// advance the cursor.
			if err := e.mergeOutput(ctx, &inst, dataCtx, exec.Output); err != nil {
				spanErr = err
				return inst, err
			}
			inst.CurrentStepIndex++
			if err := e.saveInstance(ctx, &inst); err != nil {
				spanErr = err
				return inst, err
			}
			logger.Debug("step completed",
				zap.String("step_id", step.ID),
				zap.Int("cursor", inst.CurrentStepIndex),
				zap.Any("output", observability.RedactData(exec.Output, nil)))
		}
	}

	inst.Status = model.InstanceStatusCompleted
	completed := time.Now().UTC()
	inst.CompletedAt = &completed
	if err := e.saveInstance(ctx, &inst); err != nil {
		spanErr = err
		return inst, err
	}
	e.recordCompletion(inst)
	logger.Info("workflow completed", zap.Int("steps", len(steps)))
	return inst, nil
}

// ExecuteStep runs a single step execution by id. Handler faults are
// recorded on the execution record and do not surface as errors; only
// lookup and persistence failures do.
func (e *Engine) ExecuteStep(ctx context.Context, rctx *model.RequestContext, executionID string) (model.WorkflowStepExecution, error) {
	ctx = model.WithRequestContext(ctx, rctx)
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	// Tenant check through the owning instance.
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, exec.InstanceID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	step, err := e.store.GetStep(ctx, exec.StepID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	dataCtx, err := e.ensureDataContext(ctx, inst)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	e.runStep(ctx, &exec, step, inst, dataCtx.Data)
	return exec, nil
}

// RetryStep re-runs a failed execution, reusing its record so retry history
// accumulates in one place.
func (e *Engine) RetryStep(ctx context.Context, rctx *model.RequestContext, executionID string) (model.WorkflowStepExecution, error) {
	ctx = model.WithRequestContext(ctx, rctx)
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	inst, err := e.store.GetInstance(ctx, rctx.TenantID, exec.InstanceID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	if exec.Status != model.ExecutionStatusFailed {
		return exec, model.NewInvalidStateError(
			fmt.Sprintf("execution %s is %q, only failed executions can be retried", exec.ID, exec.Status))
	}
	if exec.RetryCount >= exec.MaxRetries {
		return exec, model.NewRetryExhaustedError(
			fmt.Sprintf("execution %s exhausted its %d retries", exec.ID, exec.MaxRetries))
	}

	step, err := e.store.GetStep(ctx, exec.StepID)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}

	exec.RetryCount++
	exec.Status = model.ExecutionStatusRetrying
	exec.ErrorMessage = ""
	exec.ErrorDetail = ""
	exec.CompletedAt = nil
	exec.NextRetryAt = nil
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return exec, err
	}
	if e.metrics != nil {
		e.metrics.RecordStepRetry(string(step.Type))
	}

	dataCtx, err := e.ensureDataContext(ctx, inst)
	if err != nil {
		return exec, err
	}

	e.runStep(ctx, &exec, step, inst, dataCtx.Data)
	return exec, nil
}

// PauseWorkflow places a running instance on hold.
func (e *Engine) PauseWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.IsTerminal() {
		return inst, model.NewInvalidStateError(
			fmt.Sprintf("instance %s cannot be paused from status %q", inst.ID, inst.Status))
	}

	inst.Status = model.InstanceStatusOnHold
	if err := e.saveInstance(ctx, &inst); err != nil {
		return inst, err
	}
	observability.RequestLogger(ctx, e.logger).Info("workflow paused", zap.String("instance_id", inst.ID))
	return inst, nil
}

// ResumeWorkflow moves an on-hold instance back to InProgress. Execution
// resumes with the next ExecuteWorkflow call.
func (e *Engine) ResumeWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusOnHold {
		return inst, model.NewInvalidStateError(
			fmt.Sprintf("instance %s is %q, only on-hold instances can be resumed", inst.ID, inst.Status))
	}

	inst.Status = model.InstanceStatusInProgress
	if err := e.saveInstance(ctx, &inst); err != nil {
		return inst, err
	}
	observability.RequestLogger(ctx, e.logger).Info("workflow resumed", zap.String("instance_id", inst.ID))
	return inst, nil
}

// StopWorkflow cancels an instance. Stopping an already terminal instance
// is an explicit error, not a no-op.
func (e *Engine) StopWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status.IsTerminal() {
		return inst, model.NewInvalidStateError(
			fmt.Sprintf("instance %s cannot be stopped from status %q", inst.ID, inst.Status))
	}

	inst.Status = model.InstanceStatusCancelled
	now := time.Now().UTC()
	inst.CompletedAt = &now
	if err := e.saveInstance(ctx, &inst); err != nil {
		return inst, err
	}
	e.recordCompletion(inst)
	observability.RequestLogger(ctx, e.logger).Info("workflow stopped", zap.String("instance_id", inst.ID))
	return inst, nil
}

// --- step execution core ---

// runStep performs one handler attempt and records the outcome on the
// execution record. Handler faults never escape; they become a Failed
// execution with the message preserved verbatim.
func (e *Engine) runStep(ctx context.Context, exec *model.WorkflowStepExecution, step model.WorkflowStep, inst model.WorkflowInstance, data map[string]any) {
	ctx, span := observability.StartSpan(ctx, "engine.ExecuteStep",
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrStepID.String(step.ID),
		observability.AttrStepType.String(string(step.Type)),
		observability.AttrRetryCount.Int(exec.RetryCount),
	)

	start := time.Now().UTC()
	exec.Status = model.ExecutionStatusRunning
	exec.StartedAt = &start
	exec.ExecutedBy = executedBy(ctx)
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		e.failExecution(ctx, exec, step, start, err)
		observability.EndSpanWithError(span, err)
		return
	}

	handler, ok := e.handlers.Get(step.Type)
	if !ok {
		err := model.NewUnsupportedStepTypeError(step.Type)
		e.failExecution(ctx, exec, step, start, err)
		observability.EndSpanWithError(span, err)
		return
	}

	stepCtx := ctx
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := e.invokeHandler(stepCtx, handler, StepContext{
		Instance:  inst,
		Step:      step,
		Execution: *exec,
		Data:      data,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && e.metrics != nil {
			e.metrics.RecordStepTimeout(string(step.Type))
		}
		e.failExecution(ctx, exec, step, start, err)
		observability.EndSpanWithError(span, err)
		return
	}

	now := time.Now().UTC()
	exec.DurationMs += now.Sub(start).Milliseconds()

	if result.Waiting {
		exec.Status = model.ExecutionStatusWaitingForApproval
	} else {
		exec.Status = model.ExecutionStatusCompleted
		exec.Output = result.Output
		exec.CompletedAt = &now
		exec.NextRetryAt = nil
	}

	if uerr := e.store.UpdateExecution(ctx, *exec); uerr != nil {
		observability.EndSpanWithError(span, uerr)
		return
	}
	if e.metrics != nil {
		e.metrics.RecordStepExecution(string(step.Type), string(exec.Status), now.Sub(start))
	}
	span.End()
}

// invokeHandler runs a handler, converting a panic into an error so a
// misbehaving handler cannot take down the whole execution loop.
func (e *Engine) invokeHandler(ctx context.Context, h Handler, sc StepContext) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.RequestLogger(ctx, e.logger).Error("handler panic",
				zap.String("step_id", sc.Step.ID),
				zap.String("step_type", string(sc.Step.Type)),
				zap.Any("panic", r))
			result = Result{}
			err = model.NewInternalError()
		}
	}()
	return h.Execute(ctx, sc)
}

// failExecution stamps a fault onto the execution record.
func (e *Engine) failExecution(ctx context.Context, exec *model.WorkflowStepExecution, step model.WorkflowStep, start time.Time, cause error) {
	now := time.Now().UTC()
	exec.Status = model.ExecutionStatusFailed
	exec.ErrorMessage = cause.Error()
	exec.ErrorDetail = fmt.Sprintf("%+v", cause)
	exec.CompletedAt = &now
	exec.DurationMs += now.Sub(start).Milliseconds()
	exec.NextRetryAt = nil
	if exec.RetryCount < exec.MaxRetries {
		next := now.Add(retryBackoff << exec.RetryCount)
		exec.NextRetryAt = &next
	}

	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		observability.RequestLogger(ctx, e.logger).Error("persist failed execution",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.RecordStepExecution(string(step.Type), string(model.ExecutionStatusFailed), now.Sub(start))
	}
}

// --- helpers ---

// activeSteps loads a template's active steps ordered by Order.
func (e *Engine) activeSteps(ctx context.Context, tenantID, templateID string) ([]model.WorkflowStep, error) {
	if _, err := e.store.GetTemplate(ctx, tenantID, templateID); err != nil {
		return nil, err
	}
	all, err := e.store.ListSteps(ctx, templateID)
	if err != nil {
		return nil, err
	}

	steps := make([]model.WorkflowStep, 0, len(all))
	for _, s := range all {
		if s.Active {
			steps = append(steps, s)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	if len(steps) == 0 {
		return nil, model.NewNoActiveStepsError(templateID)
	}
	return steps, nil
}

// ensureDataContext finds or creates the instance-scoped data context.
func (e *Engine) ensureDataContext(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowDataContext, error) {
	dc, found, err := e.store.FindDataContext(ctx, inst.ID, instanceScope)
	if err != nil {
		return model.WorkflowDataContext{}, err
	}
	if found {
		return dc, nil
	}

	now := time.Now().UTC()
	data := make(map[string]any, len(inst.Data))
	for k, v := range inst.Data {
		data[k] = v
	}
	dc = model.WorkflowDataContext{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		Name:       inst.Name,
		Scope:      instanceScope,
		Data:       data,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateDataContext(ctx, dc); err != nil {
		return model.WorkflowDataContext{}, err
	}
	return dc, nil
}

// newExecution builds a fresh pending execution for a step.
func (e *Engine) newExecution(inst model.WorkflowInstance, step model.WorkflowStep, data map[string]any) model.WorkflowStepExecution {
	input := make(map[string]any, len(data))
	for k, v := range data {
		input[k] = v
	}
	retries := step.MaxRetries
	if retries == 0 {
		retries = e.maxRetries
	}
	return model.WorkflowStepExecution{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepID:     step.ID,
		Status:     model.ExecutionStatusPending,
		Input:      input,
		MaxRetries: retries,
		AssignedTo: inst.InitiatedBy,
	}
}

// mergeOutput folds a step's output into the shared data context and the
// instance data snapshot.
func (e *Engine) mergeOutput(ctx context.Context, inst *model.WorkflowInstance, dataCtx model.WorkflowDataContext, output map[string]any) error {
	if len(output) == 0 {
		return nil
	}
	if dataCtx.Data == nil {
		dataCtx.Data = make(map[string]any)
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any)
	}
	for k, v := range output {
		dataCtx.Data[k] = v
		inst.Data[k] = v
	}
	dataCtx.UpdatedAt = time.Now().UTC()
	return e.store.UpdateDataContext(ctx, dataCtx)
}

// saveInstance persists an instance and tracks the optimistic lock version
// locally so the next save in the same run does not conflict.
func (e *Engine) saveInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

// recordCompletion emits terminal transition metrics.
func (e *Engine) recordCompletion(inst model.WorkflowInstance) {
	if e.metrics == nil {
		return
	}
	var elapsed time.Duration
	if inst.StartedAt != nil && inst.CompletedAt != nil {
		elapsed = inst.CompletedAt.Sub(*inst.StartedAt)
	}
	e.metrics.RecordWorkflowCompletion(inst.TemplateID, string(inst.Status), elapsed)
}

// executedBy resolves the acting subject from the request context, if any.
func executedBy(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.SubjectID
	}
	return ""
}
