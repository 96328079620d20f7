package model

import "time"

// InstanceStatus is the lifecycle status of a workflow instance.
type InstanceStatus string

// Workflow instance status constants.
const (
	InstanceStatusCreated            InstanceStatus = "created"
	InstanceStatusInProgress         InstanceStatus = "in_progress"
	InstanceStatusWaitingForApproval InstanceStatus = "waiting_for_approval"
	InstanceStatusOnHold             InstanceStatus = "on_hold"
	InstanceStatusCompleted          InstanceStatus = "completed"
	InstanceStatusRejected           InstanceStatus = "rejected"
	InstanceStatusCancelled          InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusRejected || s == InstanceStatusCancelled
}

// ExecutionStatus is the lifecycle status of a single step execution.
type ExecutionStatus string

// Step execution status constants.
const (
	ExecutionStatusPending            ExecutionStatus = "pending"
	ExecutionStatusRunning            ExecutionStatus = "running"
	ExecutionStatusCompleted          ExecutionStatus = "completed"
	ExecutionStatusFailed             ExecutionStatus = "failed"
	ExecutionStatusWaitingForApproval ExecutionStatus = "waiting_for_approval"
	ExecutionStatusCancelled          ExecutionStatus = "cancelled"
	ExecutionStatusRetrying           ExecutionStatus = "retrying"
)

// StepType identifies which handler executes a step.
type StepType string

// Step type constants. The engine dispatches on these; unknown values are a
// hard failure, not a no-op.
const (
	StepTypeTask               StepType = "task"
	StepTypeApproval           StepType = "approval"
	StepTypeCondition          StepType = "condition"
	StepTypeAITask             StepType = "ai_task"
	StepTypeIntegration        StepType = "integration"
	StepTypeDataTransformation StepType = "data_transformation"
	StepTypeNotification       StepType = "notification"
	StepTypeDelay              StepType = "delay"
)

// WorkflowTemplate is a reusable, versioned definition of an ordered step
// sequence. A template is immutable once an instance references it; changes
// produce a new version row instead of mutating in place.
type WorkflowTemplate struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version"`
	SLAHours    float64   `json:"sla_hours,omitempty"`
	Active      bool      `json:"active"`
	IsDefault   bool      `json:"is_default"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowStep is one step definition within a template. Steps ordered by
// Order form the execution sequence. Config is an opaque document interpreted
// only by the handler matching Type.
type WorkflowStep struct {
	ID                     string         `json:"id"`
	TemplateID             string         `json:"template_id"`
	Name                   string         `json:"name"`
	Type                   StepType       `json:"type"`
	Order                  int            `json:"order"`
	Config                 map[string]any `json:"config,omitempty"`
	ExecutionConditions    string         `json:"execution_conditions,omitempty"`
	MaxRetries             int            `json:"max_retries"`
	TimeoutSeconds         int            `json:"timeout_seconds,omitempty"`
	RequiresApproval       bool           `json:"requires_approval"`
	AllowParallelExecution bool           `json:"allow_parallel_execution"`
	ParentStepID           string         `json:"parent_step_id,omitempty"`
	Active                 bool           `json:"active"`
}

// WorkflowInstance is the runtime record of one execution of a template.
// CurrentStepIndex is the only durable bookmark of progress; the engine
// resumes from it after a pause or crash. Instances are never hard-deleted.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	TemplateID       string         `json:"template_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Status           InstanceStatus `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	Priority         int            `json:"priority"`
	InitiatedBy      string         `json:"initiated_by"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	DueDate          *time.Time     `json:"due_date,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Version          int            `json:"version"`
}

// WorkflowStepExecution is the runtime record of one attempt at one step.
// Re-running after a retry reuses the same row so retry history and duration
// accumulate on a single record.
type WorkflowStepExecution struct {
	ID           string          `json:"id"`
	InstanceID   string          `json:"instance_id"`
	StepID       string          `json:"step_id"`
	Status       ExecutionStatus `json:"status"`
	Input        map[string]any  `json:"input,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	ExecutedBy   string          `json:"executed_by,omitempty"`
}

// WorkflowDataContext is a mutable data scope attached to a running instance,
// and optionally to individual steps. Contexts form a tree through
// ParentContextID; lookups resolve through the store, never through in-memory
// back-references. Each context is an independent blob, not a transactional
// ledger.
type WorkflowDataContext struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	Name            string         `json:"name"`
	Scope           string         `json:"scope"`
	Data            map[string]any `json:"data,omitempty"`
	ParentContextID string         `json:"parent_context_id,omitempty"`
	Active          bool           `json:"active"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// AuditEntry records one mutating action against a workflow entity. The audit
// trail, not the instance row, is the source of truth for history queries.
type AuditEntry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	EntityID    string    `json:"entity_id"`
	ActorID     string    `json:"actor_id"`
	Timestamp   time.Time `json:"timestamp"`
}
