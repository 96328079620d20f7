// Package store persists workflow templates, steps, instances, step
// executions, data contexts, and the audit trail. Implementations commit each
// mutation as a discrete unit of work, so the work lost on a crash is bounded
// to at most one in-flight step.
package store

import (
	"context"
	"time"

	"github.com/stepflowhq/stepflow/model"
)

// Store persists all workflow entities. Reads of tenant-owned entities are
// tenant-scoped: a lookup with the wrong tenant returns NOT_FOUND, never
// another tenant's row.
type Store interface {
	// CreateTemplate persists a new workflow template.
	CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error

	// GetTemplate retrieves a template by ID, scoped to a tenant.
	GetTemplate(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error)

	// CreateStep persists a step definition belonging to a template.
	CreateStep(ctx context.Context, step model.WorkflowStep) error

	// ListSteps returns all step definitions for a template ordered by Order.
	ListSteps(ctx context.Context, templateID string) ([]model.WorkflowStep, error)

	// GetStep retrieves a single step definition by ID.
	GetStep(ctx context.Context, stepID string) (model.WorkflowStep, error)

	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetInstance retrieves an instance by ID, scoped to a tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// UpdateInstance persists an updated instance with optimistic locking.
	// The version must match the stored version; CONFLICT otherwise.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// FindInstances returns instances for a tenant matching the filters,
	// newest first.
	FindInstances(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error)

	// CreateExecution persists a new step execution record.
	CreateExecution(ctx context.Context, exec model.WorkflowStepExecution) error

	// GetExecution retrieves a step execution by ID.
	GetExecution(ctx context.Context, executionID string) (model.WorkflowStepExecution, error)

	// UpdateExecution persists an updated step execution.
	UpdateExecution(ctx context.Context, exec model.WorkflowStepExecution) error

	// FindExecution returns the execution row for an instance/step pair, so a
	// re-attempt reuses the row instead of creating a fresh one.
	FindExecution(ctx context.Context, instanceID, stepID string) (model.WorkflowStepExecution, bool, error)

	// ListExecutions returns all executions for an instance ordered by start
	// time.
	ListExecutions(ctx context.Context, instanceID string) ([]model.WorkflowStepExecution, error)

	// CreateDataContext persists a new data context.
	CreateDataContext(ctx context.Context, dc model.WorkflowDataContext) error

	// GetDataContext retrieves a data context by ID.
	GetDataContext(ctx context.Context, contextID string) (model.WorkflowDataContext, error)

	// UpdateDataContext persists an updated data context.
	UpdateDataContext(ctx context.Context, dc model.WorkflowDataContext) error

	// FindDataContext returns the active data context for an instance and
	// scope, if one exists.
	FindDataContext(ctx context.Context, instanceID, scope string) (model.WorkflowDataContext, bool, error)

	// AppendAudit adds an entry to the audit trail.
	AppendAudit(ctx context.Context, entry model.AuditEntry) error

	// ListAudit returns audit entries for an entity, newest first.
	ListAudit(ctx context.Context, tenantID, entityID string) ([]model.AuditEntry, error)
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	TemplateID string
	Status     model.InstanceStatus
	Since      time.Time
	Limit      int
	Offset     int
}
