package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Instruments with no observations yet are not gathered, so touch one
	// of each family first.
	m.RecordWorkflowStart("tpl-1")
	m.RecordWorkflowCompletion("tpl-1", "completed", time.Second)
	m.RecordSLABreach("tpl-1")
	m.RecordStepExecution("task", "completed", 10*time.Millisecond)
	m.RecordStepRetry("task")
	m.RecordStepTimeout("delay")
	m.RecordApproval("approved")
	m.RecordApprovalWait("tpl-1")
	m.RecordValidationFailure("tpl-1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"stepflow_workflow_starts_total",
		"stepflow_workflow_completions_total",
		"stepflow_workflow_active_instances",
		"stepflow_workflow_duration_seconds",
		"stepflow_workflow_sla_breaches_total",
		"stepflow_step_executions_total",
		"stepflow_step_duration_seconds",
		"stepflow_step_retries_total",
		"stepflow_step_timeouts_total",
		"stepflow_approvals_total",
		"stepflow_approval_waits_total",
		"stepflow_validation_failures_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("tpl-1")
	m.RecordWorkflowStart("tpl-1")

	if got := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("tpl-1")); got != 2 {
		t.Errorf("active instances = %v, want 2", got)
	}

	m.RecordWorkflowCompletion("tpl-1", "completed", 3*time.Second)

	if got := testutil.ToFloat64(m.WorkflowActiveInstances.WithLabelValues("tpl-1")); got != 1 {
		t.Errorf("active instances after completion = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("tpl-1", "completed")); got != 1 {
		t.Errorf("completions = %v, want 1", got)
	}
}

func TestRecordStepExecution(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStepExecution("ai_task", "failed", 50*time.Millisecond)
	m.RecordStepExecution("ai_task", "failed", 70*time.Millisecond)
	m.RecordStepRetry("ai_task")

	if got := testutil.ToFloat64(m.StepExecutionsTotal.WithLabelValues("ai_task", "failed")); got != 2 {
		t.Errorf("step executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StepRetriesTotal.WithLabelValues("ai_task")); got != 1 {
		t.Errorf("step retries = %v, want 1", got)
	}
}
