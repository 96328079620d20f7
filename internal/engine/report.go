package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflowhq/stepflow/model"
)

// stepProgress maps an execution status to a fixed progress percentage for
// the step-level status projection. Every other status reads as zero; this is
// a coarse heuristic, not a measured value.
var stepProgress = map[model.ExecutionStatus]float64{
	model.ExecutionStatusRunning:   50,
	model.ExecutionStatusCompleted: 100,
}

// GetExecutionStatus projects an instance into a progress report. The
// estimated completion is a linear extrapolation from the elapsed time of
// the completed steps; it is nil until at least one step has completed.
func (e *Engine) GetExecutionStatus(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.ExecutionStatusReport, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.ExecutionStatusReport{}, err
	}

	steps, err := e.activeSteps(ctx, rctx.TenantID, inst.TemplateID)
	if err != nil {
		return model.ExecutionStatusReport{}, err
	}

	execs, err := e.store.ListExecutions(ctx, inst.ID)
	if err != nil {
		return model.ExecutionStatusReport{}, err
	}

	completedSteps := 0
	for _, ex := range execs {
		if ex.Status == model.ExecutionStatusCompleted {
			completedSteps++
		}
	}

	total := len(steps)
	var progress float64
	if total > 0 {
		progress = float64(completedSteps) / float64(total) * 100
	}

	report := model.ExecutionStatusReport{
		InstanceID:       inst.ID,
		Status:           inst.Status,
		CurrentStepIndex: inst.CurrentStepIndex,
		TotalSteps:       total,
		CompletedSteps:   completedSteps,
		ProgressPercent:  progress,
		StartedAt:        inst.StartedAt,
		CompletedAt:      inst.CompletedAt,
	}

	if completedSteps > 0 && inst.StartedAt != nil && !inst.Status.IsTerminal() {
		elapsed := time.Since(*inst.StartedAt)
		perStep := elapsed / time.Duration(completedSteps)
		remaining := time.Duration(total-completedSteps) * perStep
		eta := time.Now().UTC().Add(remaining)
		report.EstimatedCompletion = &eta
	}

	return report, nil
}

// GetStepExecutionStatus projects one execution into a step-level report.
func (e *Engine) GetStepExecutionStatus(ctx context.Context, rctx *model.RequestContext, executionID string) (model.StepExecutionStatusReport, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return model.StepExecutionStatusReport{}, err
	}

	// Tenant check through the owning instance.
	if _, err := e.store.GetInstance(ctx, rctx.TenantID, exec.InstanceID); err != nil {
		return model.StepExecutionStatusReport{}, err
	}

	return model.StepExecutionStatusReport{
		ExecutionID:     exec.ID,
		StepID:          exec.StepID,
		Status:          exec.Status,
		ProgressPercent: stepProgress[exec.Status],
		RetryCount:      exec.RetryCount,
		DurationMs:      exec.DurationMs,
		ErrorMessage:    exec.ErrorMessage,
	}, nil
}

// ValidateWorkflow checks a template for structural problems. It always
// accumulates every finding instead of stopping at the first one. A missing
// template is itself a validation failure, not a lookup error.
func (e *Engine) ValidateWorkflow(ctx context.Context, rctx *model.RequestContext, templateID string) (model.ValidationResult, error) {
	result := model.ValidationResult{TemplateID: templateID, IsValid: true}

	if _, err := e.store.GetTemplate(ctx, rctx.TenantID, templateID); err != nil {
		if model.ErrorCode(err) == model.ErrNotFound {
			result.IsValid = false
			result.Errors = append(result.Errors, model.FieldError{
				Field:   "template_id",
				Message: fmt.Sprintf("template %s not found", templateID),
			})
			if e.metrics != nil {
				e.metrics.RecordValidationFailure(templateID)
			}
			return result, nil
		}
		return model.ValidationResult{}, err
	}

	all, err := e.store.ListSteps(ctx, templateID)
	if err != nil {
		return model.ValidationResult{}, err
	}

	var active []model.WorkflowStep
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}

	if len(active) == 0 {
		result.Errors = append(result.Errors, model.FieldError{
			Field:   "steps",
			Message: "template has no active steps",
		})
	}

	for i, s := range active {
		if s.Type == model.StepTypeCondition && s.ExecutionConditions == "" {
			result.Errors = append(result.Errors, model.FieldError{
				Field:   fmt.Sprintf("steps[%d].execution_conditions", i),
				Message: fmt.Sprintf("condition step %q has no execution conditions", s.Name),
			})
		}
		if len(s.Config) == 0 {
			result.Warnings = append(result.Warnings, model.FieldError{
				Field:   fmt.Sprintf("steps[%d].config", i),
				Message: fmt.Sprintf("step %q has an empty configuration", s.Name),
			})
		}
		if i > 0 && s.Order != active[i-1].Order+1 {
			result.Warnings = append(result.Warnings, model.FieldError{
				Field:   fmt.Sprintf("steps[%d].order", i),
				Message: fmt.Sprintf("step order jumps from %d to %d", active[i-1].Order, s.Order),
			})
		}
	}

	result.IsValid = len(result.Errors) == 0
	if !result.IsValid && e.metrics != nil {
		e.metrics.RecordValidationFailure(templateID)
	}
	return result, nil
}

// GetExecutionMetrics aggregates an instance's execution records. With zero
// executions every field is zero; there is no division by zero.
func (e *Engine) GetExecutionMetrics(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.ExecutionMetrics, error) {
	inst, err := e.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.ExecutionMetrics{}, err
	}

	execs, err := e.store.ListExecutions(ctx, inst.ID)
	if err != nil {
		return model.ExecutionMetrics{}, err
	}

	metrics := model.ExecutionMetrics{InstanceID: inst.ID, TotalExecutions: len(execs)}
	if len(execs) == 0 {
		return metrics, nil
	}

	for _, ex := range execs {
		switch ex.Status {
		case model.ExecutionStatusCompleted:
			metrics.CompletedCount++
		case model.ExecutionStatusFailed:
			metrics.FailedCount++
		}
		metrics.TotalDurationMs += ex.DurationMs
		metrics.TotalRetries += ex.RetryCount
	}

	metrics.AverageDurationMs = float64(metrics.TotalDurationMs) / float64(len(execs))
	metrics.SuccessRate = float64(metrics.CompletedCount) / float64(len(execs)) * 100

	// A bottleneck is any execution taking more than twice the average.
	threshold := 2 * metrics.AverageDurationMs
	for _, ex := range execs {
		if threshold > 0 && float64(ex.DurationMs) > threshold {
			metrics.Bottlenecks = append(metrics.Bottlenecks, model.Bottleneck{
				ExecutionID: ex.ID,
				StepID:      ex.StepID,
				DurationMs:  ex.DurationMs,
			})
		}
	}

	return metrics, nil
}
