package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions.
var (
	stepDurationBuckets     = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	workflowDurationBuckets = []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowDuration         *prometheus.HistogramVec
	WorkflowSLABreachesTotal *prometheus.CounterVec

	// Step metrics
	StepExecutionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	StepRetriesTotal    *prometheus.CounterVec
	StepTimeoutsTotal   *prometheus.CounterVec

	// Approval metrics
	ApprovalsTotal     *prometheus.CounterVec
	ApprovalWaitsTotal *prometheus.CounterVec

	// Validation metrics
	ValidationFailures *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_workflow_starts_total",
			Help: "Total number of workflow executions started.",
		}, []string{"template_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_workflow_completions_total",
			Help: "Total number of workflow completions by final status.",
		}, []string{"template_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepflow_workflow_active_instances",
			Help: "Number of active workflow instances.",
		}, []string{"template_id"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds.",
			Buckets: workflowDurationBuckets,
		}, []string{"template_id"}),
		WorkflowSLABreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_workflow_sla_breaches_total",
			Help: "Total number of detected SLA breaches.",
		}, []string{"template_id"}),

		// Steps
		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_step_executions_total",
			Help: "Total number of step executions by type and outcome.",
		}, []string{"step_type", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepflow_step_duration_seconds",
			Help:    "Step execution duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"step_type"}),
		StepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_step_retries_total",
			Help: "Total number of step retries.",
		}, []string{"step_type"}),
		StepTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_step_timeouts_total",
			Help: "Total number of step executions that hit their deadline.",
		}, []string{"step_type"}),

		// Approvals
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_approvals_total",
			Help: "Total number of approval decisions.",
		}, []string{"decision"}),
		ApprovalWaitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_approval_waits_total",
			Help: "Total number of times an instance parked waiting for approval.",
		}, []string{"template_id"}),

		// Validation
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepflow_validation_failures_total",
			Help: "Total number of template validation failures.",
		}, []string{"template_id"}),
	}

	reg.MustRegister(
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowDuration,
		m.WorkflowSLABreachesTotal,
		// Steps
		m.StepExecutionsTotal,
		m.StepDuration,
		m.StepRetriesTotal,
		m.StepTimeoutsTotal,
		// Approvals
		m.ApprovalsTotal,
		m.ApprovalWaitsTotal,
		// Validation
		m.ValidationFailures,
	)

	return m
}

// --- Recording helpers ---

// RecordWorkflowStart records a workflow execution start.
func (m *Metrics) RecordWorkflowStart(templateID string) {
	m.WorkflowStartsTotal.WithLabelValues(templateID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Inc()
}

// RecordWorkflowCompletion records a terminal workflow transition.
func (m *Metrics) RecordWorkflowCompletion(templateID, finalStatus string, duration time.Duration) {
	m.WorkflowCompletionsTotal.WithLabelValues(templateID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(templateID).Dec()
	m.WorkflowDuration.WithLabelValues(templateID).Observe(duration.Seconds())
}

// RecordSLABreach records a detected SLA breach.
func (m *Metrics) RecordSLABreach(templateID string) {
	m.WorkflowSLABreachesTotal.WithLabelValues(templateID).Inc()
}

// RecordStepExecution records a completed step attempt.
func (m *Metrics) RecordStepExecution(stepType, status string, duration time.Duration) {
	m.StepExecutionsTotal.WithLabelValues(stepType, status).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordStepRetry records a step retry.
func (m *Metrics) RecordStepRetry(stepType string) {
	m.StepRetriesTotal.WithLabelValues(stepType).Inc()
}

// RecordStepTimeout records a step deadline hit.
func (m *Metrics) RecordStepTimeout(stepType string) {
	m.StepTimeoutsTotal.WithLabelValues(stepType).Inc()
}

// RecordApproval records an approval decision.
func (m *Metrics) RecordApproval(decision string) {
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordApprovalWait records an instance parking for approval.
func (m *Metrics) RecordApprovalWait(templateID string) {
	m.ApprovalWaitsTotal.WithLabelValues(templateID).Inc()
}

// RecordValidationFailure records a template validation failure.
func (m *Metrics) RecordValidationFailure(templateID string) {
	m.ValidationFailures.WithLabelValues(templateID).Inc()
}
