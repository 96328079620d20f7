// Package service is the lifecycle facade over the workflow engine: instance
// creation, approval decisions, cancellation, SLA checks, notifications, and
// the audit-backed history. Every mutating call writes an audit entry.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepflowhq/stepflow/internal/engine"
	"github.com/stepflowhq/stepflow/internal/observability"
	"github.com/stepflowhq/stepflow/internal/store"
	"github.com/stepflowhq/stepflow/model"
)

// Audit actions written by the service.
const (
	auditWorkflowCreated   = "workflow_created"
	auditWorkflowStarted   = "workflow_started"
	auditStepApproved      = "step_approved"
	auditStepRejected      = "step_rejected"
	auditWorkflowCancelled = "workflow_cancelled"
	auditNotificationSent  = "notification_sent"
	auditSLABreached       = "sla_breached"
)

// Service orchestrates workflow lifecycles on top of the engine.
type Service struct {
	store    store.Store
	engine   *engine.Engine
	notifier engine.Notifier
	idem     IdempotencyStore
	idemTTL  time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New creates a workflow service. The idempotency store may be nil, in which
// case creation requests are never deduplicated.
func New(st store.Store, eng *engine.Engine, notifier engine.Notifier, idem IdempotencyStore, idemTTL time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Service{
		store:    st,
		engine:   eng,
		notifier: notifier,
		idem:     idem,
		idemTTL:  idemTTL,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateInstanceRequest carries the inputs for instance creation.
type CreateInstanceRequest struct {
	TemplateID     string         `json:"template_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Priority       int            `json:"priority"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"-"`
}

// CreateInstance validates the template and creates a Created-status
// instance. The due date derives from the template's SLA target. When an
// idempotency key is supplied, replays return the original instance.
func (s *Service) CreateInstance(ctx context.Context, rctx *model.RequestContext, req CreateInstanceRequest) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	var idemKey string
	if s.idem != nil && req.IdempotencyKey != "" {
		idemKey = FormatIdempotencyKey(req.TemplateID, req.IdempotencyKey)
		cached, found, err := s.idem.Check(ctx, idemKey, HashInput(req))
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if found {
			return *cached, nil
		}
	}

	tpl, err := s.store.GetTemplate(ctx, rctx.TenantID, req.TemplateID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !tpl.Active {
		return model.WorkflowInstance{}, model.NewInvalidStateError(
			fmt.Sprintf("template %s is inactive", tpl.ID))
	}

	validation, err := s.engine.ValidateWorkflow(ctx, rctx, tpl.ID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !validation.IsValid {
		return model.WorkflowInstance{}, model.NewValidationFailedError(
			fmt.Sprintf("template %s failed validation", tpl.ID), validation.Errors)
	}

	now := time.Now().UTC()
	name := req.Name
	if name == "" {
		name = tpl.Name
	}

	inst := model.WorkflowInstance{
		ID:          uuid.New().String(),
		TenantID:    rctx.TenantID,
		TemplateID:  tpl.ID,
		Name:        name,
		Description: req.Description,
		Status:      model.InstanceStatusCreated,
		Priority:    req.Priority,
		InitiatedBy: rctx.SubjectID,
		Data:        req.Data,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if tpl.SLAHours > 0 {
		due := now.Add(time.Duration(tpl.SLAHours * float64(time.Hour)))
		inst.DueDate = &due
	}

	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	s.appendAudit(ctx, rctx, auditWorkflowCreated,
		fmt.Sprintf("workflow instance created from template %s", tpl.ID), inst.ID)

	if idemKey != "" {
		if err := s.idem.Store(ctx, idemKey, HashInput(req), inst, s.idemTTL); err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("store idempotency entry",
				zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}

	return inst, nil
}

// StartWorkflow begins execution of a Created instance.
func (s *Service) StartWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusCreated {
		return inst, model.NewInvalidStateError(
			fmt.Sprintf("instance %s is %q, only created instances can be started", inst.ID, inst.Status))
	}

	s.appendAudit(ctx, rctx, auditWorkflowStarted, "workflow execution started", inst.ID)
	return s.engine.ExecuteWorkflow(ctx, rctx, instanceID)
}

// ApproveStep completes the execution the instance is waiting on and
// resumes the run.
func (s *Service) ApproveStep(ctx context.Context, rctx *model.RequestContext, instanceID, comment string) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	inst, exec, step, err := s.pendingApproval(ctx, rctx, instanceID)
	if err != nil {
		return inst, err
	}

	now := time.Now().UTC()
	exec.Status = model.ExecutionStatusCompleted
	exec.CompletedAt = &now
	exec.ExecutedBy = rctx.SubjectID
	if exec.Output == nil {
		exec.Output = make(map[string]any)
	}
	exec.Output["approved"] = true
	exec.Output["approved_by"] = rctx.SubjectID
	if comment != "" {
		exec.Output["comment"] = comment
	}
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return inst, err
	}

	inst.Status = model.InstanceStatusInProgress
	if err := s.saveInstance(ctx, &inst); err != nil {
		return inst, err
	}

	s.appendAudit(ctx, rctx, auditStepApproved,
		fmt.Sprintf("step %q approved", step.Name), inst.ID)
	if s.metrics != nil {
		s.metrics.RecordApproval("approved")
	}

	return s.engine.ExecuteWorkflow(ctx, rctx, instanceID)
}

// RejectStep fails the pending approval and moves the instance to Rejected.
func (s *Service) RejectStep(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	inst, exec, step, err := s.pendingApproval(ctx, rctx, instanceID)
	if err != nil {
		return inst, err
	}

	now := time.Now().UTC()
	exec.Status = model.ExecutionStatusFailed
	exec.CompletedAt = &now
	exec.ExecutedBy = rctx.SubjectID
	exec.ErrorMessage = fmt.Sprintf("rejected: %s", reason)
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return inst, err
	}

	inst.Status = model.InstanceStatusRejected
	inst.CompletedAt = &now
	if err := s.saveInstance(ctx, &inst); err != nil {
		return inst, err
	}

	s.appendAudit(ctx, rctx, auditStepRejected,
		fmt.Sprintf("step %q rejected: %s", step.Name, reason), inst.ID)
	if s.metrics != nil {
		s.metrics.RecordApproval("rejected")
	}
	return inst, nil
}

// CancelWorkflow cancels an instance. Cancelling a completed or already
// cancelled instance is an explicit error.
func (s *Service) CancelWorkflow(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.WorkflowInstance, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status == model.InstanceStatusCompleted || inst.Status == model.InstanceStatusCancelled {
		return inst, model.NewInvalidStateError(
			fmt.Sprintf("instance %s cannot be cancelled from status %q", inst.ID, inst.Status))
	}

	inst, err = s.engine.StopWorkflow(ctx, rctx, instanceID)
	if err != nil {
		return inst, err
	}

	s.appendAudit(ctx, rctx, auditWorkflowCancelled,
		fmt.Sprintf("workflow cancelled: %s", reason), inst.ID)
	return inst, nil
}

// IsSLABreached reports whether an instance has exceeded its template's SLA
// target. A breach is a condition of an instance that has not yet completed;
// a Completed instance never reports one, however late it finished.
func (s *Service) IsSLABreached(ctx context.Context, rctx *model.RequestContext, instanceID string) (bool, error) {
	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return false, err
	}
	if inst.Status == model.InstanceStatusCompleted {
		return false, nil
	}
	tpl, err := s.store.GetTemplate(ctx, rctx.TenantID, inst.TemplateID)
	if err != nil {
		return false, err
	}
	if tpl.SLAHours <= 0 {
		return false, nil
	}

	deadline := inst.CreatedAt.Add(time.Duration(tpl.SLAHours * float64(time.Hour)))
	return time.Now().UTC().After(deadline), nil
}

// SweepSLABreaches scans active instances, records breaches, and notifies
// each breached instance's initiator. Called periodically by the runner.
func (s *Service) SweepSLABreaches(ctx context.Context, rctx *model.RequestContext) (int, error) {
	ctx = model.WithRequestContext(ctx, rctx)

	instances, err := s.store.FindInstances(ctx, rctx.TenantID, store.InstanceFilters{})
	if err != nil {
		return 0, err
	}

	breaches := 0
	for _, inst := range instances {
		if inst.Status.IsTerminal() {
			continue
		}
		breached, err := s.IsSLABreached(ctx, rctx, inst.ID)
		if err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("sla check",
				zap.String("instance_id", inst.ID), zap.Error(err))
			continue
		}
		if !breached {
			continue
		}
		breaches++
		if s.metrics != nil {
			s.metrics.RecordSLABreach(inst.TemplateID)
		}
		s.appendAudit(ctx, rctx, auditSLABreached, "workflow exceeded its SLA target", inst.ID)
		if inst.InitiatedBy != "" {
			s.SendNotifications(ctx, rctx, []string{inst.InitiatedBy},
				"workflow SLA breached",
				fmt.Sprintf("workflow %q has exceeded its SLA target", inst.Name))
		}
	}
	return breaches, nil
}

// SendNotifications dispatches a message to each recipient. Delivery is
// best effort; the count of successful sends is returned.
func (s *Service) SendNotifications(ctx context.Context, rctx *model.RequestContext, recipients []string, subject, body string) int {
	ctx = model.WithRequestContext(ctx, rctx)

	sent := 0
	for _, recipient := range recipients {
		if s.notifier == nil {
			break
		}
		if err := s.notifier.Send(ctx, recipient, subject, body); err != nil {
			observability.RequestLogger(ctx, s.logger).Warn("send notification",
				zap.String("recipient", recipient), zap.Error(err))
			continue
		}
		sent++
	}
	if sent > 0 {
		s.appendAudit(ctx, rctx, auditNotificationSent,
			fmt.Sprintf("notification %q sent to %d recipients", subject, sent), "")
	}
	return sent
}

// GetWorkflowHistory returns the audit trail of an instance, newest first.
func (s *Service) GetWorkflowHistory(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.AuditEntry, error) {
	if _, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, rctx.TenantID, instanceID)
}

// --- helpers ---

// pendingApproval resolves the execution the instance is currently waiting
// on. The instance must be waiting for approval (or mid-run with a parked
// approval execution at the cursor).
func (s *Service) pendingApproval(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, model.WorkflowStepExecution, model.WorkflowStep, error) {
	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowStepExecution{}, model.WorkflowStep{}, err
	}
	if inst.Status != model.InstanceStatusWaitingForApproval && inst.Status != model.InstanceStatusInProgress {
		return inst, model.WorkflowStepExecution{}, model.WorkflowStep{}, model.NewInvalidStateError(
			fmt.Sprintf("instance %s is %q, no approval is pending", inst.ID, inst.Status))
	}

	steps, err := s.activeSteps(ctx, inst.TemplateID)
	if err != nil {
		return inst, model.WorkflowStepExecution{}, model.WorkflowStep{}, err
	}
	if inst.CurrentStepIndex >= len(steps) {
		return inst, model.WorkflowStepExecution{}, model.WorkflowStep{}, model.NewInvalidStateError(
			fmt.Sprintf("instance %s has no current step", inst.ID))
	}
	step := steps[inst.CurrentStepIndex]

	exec, found, err := s.store.FindExecution(ctx, inst.ID, step.ID)
	if err != nil {
		return inst, model.WorkflowStepExecution{}, model.WorkflowStep{}, err
	}
	if !found || exec.Status != model.ExecutionStatusWaitingForApproval {
		return inst, model.WorkflowStepExecution{}, model.WorkflowStep{}, model.NewInvalidStateError(
			fmt.Sprintf("step %q of instance %s is not waiting for approval", step.Name, inst.ID))
	}
	return inst, exec, step, nil
}

// activeSteps loads a template's active steps ordered by Order.
func (s *Service) activeSteps(ctx context.Context, templateID string) ([]model.WorkflowStep, error) {
	all, err := s.store.ListSteps(ctx, templateID)
	if err != nil {
		return nil, err
	}
	steps := make([]model.WorkflowStep, 0, len(all))
	for _, st := range all {
		if st.Active {
			steps = append(steps, st)
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

// saveInstance persists an instance and tracks the optimistic lock version
// locally.
func (s *Service) saveInstance(ctx context.Context, inst *model.WorkflowInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

// appendAudit writes an audit entry; audit failures are logged, never fatal.
func (s *Service) appendAudit(ctx context.Context, rctx *model.RequestContext, action, description, entityID string) {
	entry := model.AuditEntry{
		ID:          uuid.New().String(),
		TenantID:    rctx.TenantID,
		Action:      action,
		Description: description,
		EntityID:    entityID,
		ActorID:     rctx.SubjectID,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		observability.RequestLogger(ctx, s.logger).Error("append audit entry",
			zap.String("action", action), zap.Error(err))
	}
}
