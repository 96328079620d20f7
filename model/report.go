package model

import "time"

// ExecutionStatusReport is a read-only projection of an instance's progress.
// Progress figures are coarse heuristics, not measured values: overall
// progress is completed/total steps, and the estimated completion time is a
// linear extrapolation that stays nil until at least one step has completed.
type ExecutionStatusReport struct {
	InstanceID          string         `json:"instance_id"`
	Status              InstanceStatus `json:"status"`
	CurrentStepIndex    int            `json:"current_step_index"`
	TotalSteps          int            `json:"total_steps"`
	CompletedSteps      int            `json:"completed_steps"`
	ProgressPercent     float64        `json:"progress_percent"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

// StepExecutionStatusReport is a read-only projection of one step execution.
// ProgressPercent comes from a fixed lookup (pending 0, running 50, completed
// 100, otherwise 0).
type StepExecutionStatusReport struct {
	ExecutionID     string          `json:"execution_id"`
	StepID          string          `json:"step_id"`
	Status          ExecutionStatus `json:"status"`
	ProgressPercent float64         `json:"progress_percent"`
	RetryCount      int             `json:"retry_count"`
	DurationMs      int64           `json:"duration_ms"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// ValidationResult collects every error and warning found in a template, so
// one call surfaces all problems instead of only the first.
type ValidationResult struct {
	TemplateID string       `json:"template_id"`
	IsValid    bool         `json:"is_valid"`
	Errors     []FieldError `json:"errors,omitempty"`
	Warnings   []FieldError `json:"warnings,omitempty"`
}

// ExecutionMetrics aggregates all step executions for one instance.
type ExecutionMetrics struct {
	InstanceID        string        `json:"instance_id"`
	TotalExecutions   int           `json:"total_executions"`
	CompletedCount    int           `json:"completed_count"`
	FailedCount       int           `json:"failed_count"`
	TotalDurationMs   int64         `json:"total_duration_ms"`
	AverageDurationMs float64       `json:"average_duration_ms"`
	TotalRetries      int           `json:"total_retries"`
	SuccessRate       float64       `json:"success_rate"`
	Bottlenecks       []Bottleneck  `json:"bottlenecks,omitempty"`
}

// Bottleneck flags a step execution whose duration exceeds twice the average
// for its instance.
type Bottleneck struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	DurationMs  int64  `json:"duration_ms"`
}
