package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepflowhq/stepflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateTemplate inserts a new workflow template.
func (s *PgStore) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (
			id, tenant_id, name, description, version, sla_hours,
			active, is_default, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tpl.ID, tpl.TenantID, tpl.Name, tpl.Description, tpl.Version, tpl.SLAHours,
		tpl.Active, tpl.IsDefault, tpl.CreatedBy, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID, scoped to tenant.
func (s *PgStore) GetTemplate(ctx context.Context, tenantID, templateID string) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, description, version, sla_hours,
		       active, is_default, created_by, created_at, updated_at
		FROM workflow_templates
		WHERE id = $1 AND tenant_id = $2`,
		templateID, tenantID,
	).Scan(
		&tpl.ID, &tpl.TenantID, &tpl.Name, &tpl.Description, &tpl.Version, &tpl.SLAHours,
		&tpl.Active, &tpl.IsDefault, &tpl.CreatedBy, &tpl.CreatedAt, &tpl.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("template %q not found", templateID),
		)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return tpl, nil
}

// CreateStep inserts a step definition.
func (s *PgStore) CreateStep(ctx context.Context, step model.WorkflowStep) error {
	configJSON, err := json.Marshal(step.Config)
	if err != nil {
		return fmt.Errorf("marshal step config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (
			id, template_id, name, step_type, step_order, config,
			execution_conditions, max_retries, timeout_seconds,
			requires_approval, allow_parallel_execution, parent_step_id, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		step.ID, step.TemplateID, step.Name, step.Type, step.Order, configJSON,
		step.ExecutionConditions, step.MaxRetries, step.TimeoutSeconds,
		step.RequiresApproval, step.AllowParallelExecution, step.ParentStepID, step.Active,
	)
	if err != nil {
		return fmt.Errorf("insert workflow step: %w", err)
	}
	return nil
}

// ListSteps returns all steps for a template ordered by step_order.
func (s *PgStore) ListSteps(ctx context.Context, templateID string) ([]model.WorkflowStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, template_id, name, step_type, step_order, config,
		       execution_conditions, max_retries, timeout_seconds,
		       requires_approval, allow_parallel_execution, parent_step_id, active
		FROM workflow_steps
		WHERE template_id = $1
		ORDER BY step_order ASC`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetStep retrieves a single step definition by ID.
func (s *PgStore) GetStep(ctx context.Context, stepID string) (model.WorkflowStep, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, template_id, name, step_type, step_order, config,
		       execution_conditions, max_retries, timeout_seconds,
		       requires_approval, allow_parallel_execution, parent_step_id, active
		FROM workflow_steps
		WHERE id = $1`,
		stepID,
	)
	step, err := scanStep(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowStep{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found", stepID),
		)
	}
	if err != nil {
		return model.WorkflowStep{}, err
	}
	return step, nil
}

// CreateInstance inserts a new workflow instance.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, tenant_id, template_id, name, description, status,
			current_step_index, priority, initiated_by,
			started_at, completed_at, due_date, data, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16
		)`,
		inst.ID, inst.TenantID, inst.TemplateID, inst.Name, inst.Description, inst.Status,
		inst.CurrentStepIndex, inst.Priority, inst.InitiatedBy,
		inst.StartedAt, inst.CompletedAt, inst.DueDate, dataJSON, inst.Version,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	dataJSON, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal instance data: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			name = $1,
			description = $2,
			status = $3,
			current_step_index = $4,
			started_at = $5,
			completed_at = $6,
			due_date = $7,
			data = $8,
			version = $9,
			updated_at = $10
		WHERE id = $11 AND version = $12`,
		inst.Name, inst.Description, inst.Status,
		inst.CurrentStepIndex, inst.StartedAt, inst.CompletedAt, inst.DueDate,
		dataJSON, inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// FindInstances returns instances for a tenant matching the filters.
func (s *PgStore) FindInstances(ctx context.Context, tenantID string, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	query := instanceColumns + `
		FROM workflow_instances
		WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.TemplateID != "" {
		query += fmt.Sprintf(" AND template_id = $%d", argIdx)
		args = append(args, filters.TemplateID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if !filters.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filters.Since)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CreateExecution inserts a new step execution record.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.WorkflowStepExecution) error {
	inputJSON, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal execution input: %w", err)
	}
	outputJSON, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_step_executions (
			id, instance_id, step_id, status, input, output,
			error_message, error_detail, started_at, completed_at,
			duration_ms, retry_count, max_retries, next_retry_at,
			assigned_to, executed_by
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)`,
		exec.ID, exec.InstanceID, exec.StepID, exec.Status, inputJSON, outputJSON,
		exec.ErrorMessage, exec.ErrorDetail, exec.StartedAt, exec.CompletedAt,
		exec.DurationMs, exec.RetryCount, exec.MaxRetries, exec.NextRetryAt,
		exec.AssignedTo, exec.ExecutedBy,
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a step execution by ID.
func (s *PgStore) GetExecution(ctx context.Context, executionID string) (model.WorkflowStepExecution, error) {
	row := s.pool.QueryRow(ctx, executionColumns+`
		FROM workflow_step_executions
		WHERE id = $1`,
		executionID,
	)
	exec, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowStepExecution{}, model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", executionID),
		)
	}
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}
	return exec, nil
}

// UpdateExecution persists an updated step execution.
func (s *PgStore) UpdateExecution(ctx context.Context, exec model.WorkflowStepExecution) error {
	inputJSON, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal execution input: %w", err)
	}
	outputJSON, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_step_executions SET
			status = $1,
			input = $2,
			output = $3,
			error_message = $4,
			error_detail = $5,
			started_at = $6,
			completed_at = $7,
			duration_ms = $8,
			retry_count = $9,
			next_retry_at = $10,
			executed_by = $11
		WHERE id = $12`,
		exec.Status, inputJSON, outputJSON,
		exec.ErrorMessage, exec.ErrorDetail, exec.StartedAt, exec.CompletedAt,
		exec.DurationMs, exec.RetryCount, exec.NextRetryAt, exec.ExecutedBy,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", exec.ID),
		)
	}
	return nil
}

// FindExecution returns the execution row for an instance/step pair.
func (s *PgStore) FindExecution(ctx context.Context, instanceID, stepID string) (model.WorkflowStepExecution, bool, error) {
	row := s.pool.QueryRow(ctx, executionColumns+`
		FROM workflow_step_executions
		WHERE instance_id = $1 AND step_id = $2`,
		instanceID, stepID,
	)
	exec, err := scanExecution(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowStepExecution{}, false, nil
	}
	if err != nil {
		return model.WorkflowStepExecution{}, false, err
	}
	return exec, true, nil
}

// ListExecutions returns all executions for an instance ordered by start time.
func (s *PgStore) ListExecutions(ctx context.Context, instanceID string) ([]model.WorkflowStepExecution, error) {
	rows, err := s.pool.Query(ctx, executionColumns+`
		FROM workflow_step_executions
		WHERE instance_id = $1
		ORDER BY started_at ASC NULLS LAST`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var executions []model.WorkflowStepExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// CreateDataContext inserts a new data context.
func (s *PgStore) CreateDataContext(ctx context.Context, dc model.WorkflowDataContext) error {
	dataJSON, err := json.Marshal(dc.Data)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_data_contexts (
			id, instance_id, name, scope, data, parent_context_id,
			active, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		dc.ID, dc.InstanceID, dc.Name, dc.Scope, dataJSON, dc.ParentContextID,
		dc.Active, dc.ExpiresAt, dc.CreatedAt, dc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert data context: %w", err)
	}
	return nil
}

// GetDataContext retrieves a data context by ID.
func (s *PgStore) GetDataContext(ctx context.Context, contextID string) (model.WorkflowDataContext, error) {
	row := s.pool.QueryRow(ctx, contextColumns+`
		FROM workflow_data_contexts
		WHERE id = $1`,
		contextID,
	)
	dc, err := scanDataContext(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowDataContext{}, model.NewNotFoundError(
			fmt.Sprintf("data context %q not found", contextID),
		)
	}
	if err != nil {
		return model.WorkflowDataContext{}, err
	}
	return dc, nil
}

// UpdateDataContext persists an updated data context.
func (s *PgStore) UpdateDataContext(ctx context.Context, dc model.WorkflowDataContext) error {
	dataJSON, err := json.Marshal(dc.Data)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_data_contexts SET
			data = $1,
			active = $2,
			expires_at = $3,
			updated_at = $4
		WHERE id = $5`,
		dataJSON, dc.Active, dc.ExpiresAt, time.Now().UTC(), dc.ID,
	)
	if err != nil {
		return fmt.Errorf("update data context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("data context %q not found", dc.ID),
		)
	}
	return nil
}

// FindDataContext returns the active data context for an instance and scope.
func (s *PgStore) FindDataContext(ctx context.Context, instanceID, scope string) (model.WorkflowDataContext, bool, error) {
	row := s.pool.QueryRow(ctx, contextColumns+`
		FROM workflow_data_contexts
		WHERE instance_id = $1 AND scope = $2 AND active
		ORDER BY created_at DESC
		LIMIT 1`,
		instanceID, scope,
	)
	dc, err := scanDataContext(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowDataContext{}, false, nil
	}
	if err != nil {
		return model.WorkflowDataContext{}, false, err
	}
	return dc, true, nil
}

// AppendAudit adds an entry to the audit trail.
func (s *PgStore) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_audit (
			id, tenant_id, action, description, entity_id, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.Action, entry.Description,
		entry.EntityID, entry.ActorID, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries for an entity, newest first.
func (s *PgStore) ListAudit(ctx context.Context, tenantID, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, action, description, entity_id, actor_id, created_at
		FROM workflow_audit
		WHERE tenant_id = $1 AND entity_id = $2
		ORDER BY created_at DESC`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Action, &e.Description,
			&e.EntityID, &e.ActorID, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const instanceColumns = `
	SELECT id, tenant_id, template_id, name, description, status,
	       current_step_index, priority, initiated_by,
	       started_at, completed_at, due_date, data, version,
	       created_at, updated_at`

const executionColumns = `
	SELECT id, instance_id, step_id, status, input, output,
	       error_message, error_detail, started_at, completed_at,
	       duration_ms, retry_count, max_retries, next_retry_at,
	       assigned_to, executed_by`

const contextColumns = `
	SELECT id, instance_id, name, scope, data, parent_context_id,
	       active, expires_at, created_at, updated_at`

func scanStep(row pgx.Row) (model.WorkflowStep, error) {
	var step model.WorkflowStep
	var configJSON []byte
	err := row.Scan(
		&step.ID, &step.TemplateID, &step.Name, &step.Type, &step.Order, &configJSON,
		&step.ExecutionConditions, &step.MaxRetries, &step.TimeoutSeconds,
		&step.RequiresApproval, &step.AllowParallelExecution, &step.ParentStepID, &step.Active,
	)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	if configJSON != nil {
		_ = json.Unmarshal(configJSON, &step.Config)
	}
	return step, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var dataJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.TemplateID, &inst.Name, &inst.Description, &inst.Status,
		&inst.CurrentStepIndex, &inst.Priority, &inst.InitiatedBy,
		&inst.StartedAt, &inst.CompletedAt, &inst.DueDate, &dataJSON, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &inst.Data)
	}
	return inst, nil
}

func scanExecution(row pgx.Row) (model.WorkflowStepExecution, error) {
	var exec model.WorkflowStepExecution
	var inputJSON, outputJSON []byte
	err := row.Scan(
		&exec.ID, &exec.InstanceID, &exec.StepID, &exec.Status, &inputJSON, &outputJSON,
		&exec.ErrorMessage, &exec.ErrorDetail, &exec.StartedAt, &exec.CompletedAt,
		&exec.DurationMs, &exec.RetryCount, &exec.MaxRetries, &exec.NextRetryAt,
		&exec.AssignedTo, &exec.ExecutedBy,
	)
	if err != nil {
		return model.WorkflowStepExecution{}, err
	}
	if inputJSON != nil {
		_ = json.Unmarshal(inputJSON, &exec.Input)
	}
	if outputJSON != nil {
		_ = json.Unmarshal(outputJSON, &exec.Output)
	}
	return exec, nil
}

func scanDataContext(row pgx.Row) (model.WorkflowDataContext, error) {
	var dc model.WorkflowDataContext
	var dataJSON []byte
	err := row.Scan(
		&dc.ID, &dc.InstanceID, &dc.Name, &dc.Scope, &dataJSON, &dc.ParentContextID,
		&dc.Active, &dc.ExpiresAt, &dc.CreatedAt, &dc.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDataContext{}, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &dc.Data)
	}
	return dc, nil
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
