package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stepflowhq/stepflow/model"
)

// MemoryStore is an in-memory Store for testing and single-node deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	templates  map[string]model.WorkflowTemplate
	steps      map[string][]model.WorkflowStep          // key: template ID
	instances  map[string]model.WorkflowInstance        // key: instance ID
	executions map[string]model.WorkflowStepExecution   // key: execution ID
	contexts   map[string]model.WorkflowDataContext     // key: context ID
	audit      map[string][]model.AuditEntry            // key: entity ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:  make(map[string]model.WorkflowTemplate),
		steps:      make(map[string][]model.WorkflowStep),
		instances:  make(map[string]model.WorkflowInstance),
		executions: make(map[string]model.WorkflowStepExecution),
		contexts:   make(map[string]model.WorkflowDataContext),
		audit:      make(map[string][]model.AuditEntry),
	}
}

// CreateTemplate persists a new workflow template.
func (s *MemoryStore) CreateTemplate(_ context.Context, tpl model.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.templates[tpl.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("template %q already exists", tpl.ID),
		)
	}
	s.templates[tpl.ID] = tpl
	return nil
}

// GetTemplate retrieves a template by ID, scoped to tenant.
func (s *MemoryStore) GetTemplate(_ context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tpl, exists := s.templates[templateID]
	if !exists || tpl.TenantID != tenantID {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	return tpl, nil
}

// CreateStep persists a step definition.
func (s *MemoryStore) CreateStep(_ context.Context, step model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.steps[step.TemplateID] {
		if existing.ID == step.ID {
			return model.NewConflictError(
				fmt.Sprintf("step %q already exists", step.ID),
			)
		}
	}
	s.steps[step.TemplateID] = append(s.steps[step.TemplateID], step)
	return nil
}

// ListSteps returns all steps for a template ordered by Order.
func (s *MemoryStore) ListSteps(_ context.Context, templateID string) ([]model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[templateID]
	result := make([]model.WorkflowStep, len(steps))
	copy(result, steps)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Order < result[j].Order
	})
	return result, nil
}

// GetStep retrieves a single step definition by ID.
func (s *MemoryStore) GetStep(_ context.Context, stepID string) (model.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, steps := range s.steps {
		for _, step := range steps {
			if step.ID == stepID {
				return step, nil
			}
		}
	}
	return model.WorkflowStep{}, model.NewNotFoundError(
		fmt.Sprintf("step %q not found", stepID),
	)
}

// CreateInstance persists a new workflow instance.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *MemoryStore) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// FindInstances returns instances for a tenant matching the filters.
func (s *MemoryStore) FindInstances(_ context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.TemplateID != "" && inst.TemplateID != filters.TemplateID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		if !filters.Since.IsZero() && inst.CreatedAt.Before(filters.Since) {
			continue
		}
		result = append(result, inst)
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// CreateExecution persists a new step execution record.
func (s *MemoryStore) CreateExecution(_ context.Context, exec model.WorkflowStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("step execution %q already exists", exec.ID),
		)
	}
	s.executions[exec.ID] = exec
	return nil
}

// GetExecution retrieves a step execution by ID.
func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (model.WorkflowStepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[executionID]
	if !exists {
		return model.WorkflowStepExecution{}, model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", executionID),
		)
	}
	return exec, nil
}

// UpdateExecution persists an updated step execution.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec model.WorkflowStepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", exec.ID),
		)
	}
	s.executions[exec.ID] = exec
	return nil
}

// FindExecution returns the execution row for an instance/step pair.
func (s *MemoryStore) FindExecution(_ context.Context, instanceID, stepID string) (model.WorkflowStepExecution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, exec := range s.executions {
		if exec.InstanceID == instanceID && exec.StepID == stepID {
			return exec, true, nil
		}
	}
	return model.WorkflowStepExecution{}, false, nil
}

// ListExecutions returns all executions for an instance ordered by start time.
func (s *MemoryStore) ListExecutions(_ context.Context, instanceID string) ([]model.WorkflowStepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowStepExecution
	for _, exec := range s.executions {
		if exec.InstanceID == instanceID {
			result = append(result, exec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].StartedAt, result[j].StartedAt
		switch {
		case ti == nil:
			return tj != nil
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	return result, nil
}

// CreateDataContext persists a new data context.
func (s *MemoryStore) CreateDataContext(_ context.Context, dc model.WorkflowDataContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[dc.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("data context %q already exists", dc.ID),
		)
	}
	s.contexts[dc.ID] = dc
	return nil
}

// GetDataContext retrieves a data context by ID.
func (s *MemoryStore) GetDataContext(_ context.Context, contextID string) (model.WorkflowDataContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dc, exists := s.contexts[contextID]
	if !exists {
		return model.WorkflowDataContext{}, model.NewNotFoundError(
			fmt.Sprintf("data context %q not found", contextID),
		)
	}
	return dc, nil
}

// UpdateDataContext persists an updated data context.
func (s *MemoryStore) UpdateDataContext(_ context.Context, dc model.WorkflowDataContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[dc.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("data context %q not found", dc.ID),
		)
	}
	dc.UpdatedAt = time.Now().UTC()
	s.contexts[dc.ID] = dc
	return nil
}

// FindDataContext returns the active data context for an instance and scope.
func (s *MemoryStore) FindDataContext(_ context.Context, instanceID, scope string) (model.WorkflowDataContext, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dc := range s.contexts {
		if dc.InstanceID == instanceID && dc.Scope == scope && dc.Active {
			return dc, true, nil
		}
	}
	return model.WorkflowDataContext{}, false, nil
}

// AppendAudit adds an entry to the audit trail.
func (s *MemoryStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit[entry.EntityID] = append(s.audit[entry.EntityID], entry)
	return nil
}

// ListAudit returns audit entries for an entity, newest first.
func (s *MemoryStore) ListAudit(_ context.Context, tenantID, entityID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audit[entityID] {
		if e.TenantID == tenantID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// HealthCheck reports the store as always healthy.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}
