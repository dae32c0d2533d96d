// Package metrics defines the gateway's observability event vocabulary.
// Emitting code depends on the Sink interface; the binary chooses the
// backend.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chaoschain/gateway/internal/guard"
)

// Sink receives workflow lifecycle events. The vocabulary is fixed;
// call sites never invent metric names.
type Sink interface {
	WorkflowCreated(t guard.WorkflowType)
	WorkflowStarted(t guard.WorkflowType)
	WorkflowCompleted(t guard.WorkflowType, dur time.Duration)
	WorkflowFailed(t guard.WorkflowType, errorCode string)
	WorkflowStalled(t guard.WorkflowType, reason string)
	WorkflowResumed(t guard.WorkflowType)

	StepStarted(t guard.WorkflowType, step string)
	StepCompleted(t guard.WorkflowType, step string, dur time.Duration)
	StepRetried(t guard.WorkflowType, step string)
	StepTimedOut(t guard.WorkflowType, step string)

	TxSubmitted(t guard.WorkflowType)
	TxConfirmed(t guard.WorkflowType)
	TxReverted(t guard.WorkflowType)
	TxNotFound(t guard.WorkflowType)

	AdmissionRejected(reason string)
	ReconciliationRan(decision string)
}

// Nop discards all events.
type Nop struct{}

func (Nop) WorkflowCreated(guard.WorkflowType)                  {}
func (Nop) WorkflowStarted(guard.WorkflowType)                  {}
func (Nop) WorkflowCompleted(guard.WorkflowType, time.Duration) {}
func (Nop) WorkflowFailed(guard.WorkflowType, string)           {}
func (Nop) WorkflowStalled(guard.WorkflowType, string)          {}
func (Nop) WorkflowResumed(guard.WorkflowType)                  {}
func (Nop) StepStarted(guard.WorkflowType, string)              {}
func (Nop) StepCompleted(guard.WorkflowType, string, time.Duration) {
}
func (Nop) StepRetried(guard.WorkflowType, string)  {}
func (Nop) StepTimedOut(guard.WorkflowType, string) {}
func (Nop) TxSubmitted(guard.WorkflowType)          {}
func (Nop) TxConfirmed(guard.WorkflowType)          {}
func (Nop) TxReverted(guard.WorkflowType)           {}
func (Nop) TxNotFound(guard.WorkflowType)           {}
func (Nop) AdmissionRejected(string)                {}
func (Nop) ReconciliationRan(string)                {}

// LogSink emits every event as a structured log line. Useful in dev mode
// where no Prometheus scrape exists.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) event(name string, args ...any) {
	s.logger.Info("metric", append([]any{"event", name}, args...)...)
}

func (s *LogSink) WorkflowCreated(t guard.WorkflowType) { s.event("workflow_created", "type", t) }
func (s *LogSink) WorkflowStarted(t guard.WorkflowType) { s.event("workflow_started", "type", t) }
func (s *LogSink) WorkflowCompleted(t guard.WorkflowType, dur time.Duration) {
	s.event("workflow_completed", "type", t, "duration", dur)
}
func (s *LogSink) WorkflowFailed(t guard.WorkflowType, errorCode string) {
	s.event("workflow_failed", "type", t, "error_code", errorCode)
}
func (s *LogSink) WorkflowStalled(t guard.WorkflowType, reason string) {
	s.event("workflow_stalled", "type", t, "reason", reason)
}
func (s *LogSink) WorkflowResumed(t guard.WorkflowType) { s.event("workflow_resumed", "type", t) }
func (s *LogSink) StepStarted(t guard.WorkflowType, step string) {
	s.event("step_started", "type", t, "step", step)
}
func (s *LogSink) StepCompleted(t guard.WorkflowType, step string, dur time.Duration) {
	s.event("step_completed", "type", t, "step", step, "duration", dur)
}
func (s *LogSink) StepRetried(t guard.WorkflowType, step string) {
	s.event("step_retried", "type", t, "step", step)
}
func (s *LogSink) StepTimedOut(t guard.WorkflowType, step string) {
	s.event("step_timed_out", "type", t, "step", step)
}
func (s *LogSink) TxSubmitted(t guard.WorkflowType) { s.event("tx_submitted", "type", t) }
func (s *LogSink) TxConfirmed(t guard.WorkflowType) { s.event("tx_confirmed", "type", t) }
func (s *LogSink) TxReverted(t guard.WorkflowType)  { s.event("tx_reverted", "type", t) }
func (s *LogSink) TxNotFound(t guard.WorkflowType)  { s.event("tx_not_found", "type", t) }
func (s *LogSink) AdmissionRejected(reason string) {
	s.event("admission_rejected", "reason", reason)
}
func (s *LogSink) ReconciliationRan(decision string) {
	s.event("reconciliation_ran", "decision", decision)
}

// PromSink exports events as Prometheus metrics.
type PromSink struct {
	workflowsCreated   *prometheus.CounterVec
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowsFailed    *prometheus.CounterVec
	workflowsStalled   *prometheus.CounterVec
	workflowsResumed   *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec

	stepsStarted  *prometheus.CounterVec
	stepsRetried  *prometheus.CounterVec
	stepsTimedOut *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	txOutcomes *prometheus.CounterVec

	admissionRejected *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
}

// NewPromSink registers the gateway metrics on reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	factory := promauto.With(reg)
	return &PromSink{
		workflowsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_created_total",
			Help: "Workflows admitted, by type.",
		}, []string{"type"}),
		workflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_started_total",
			Help: "Workflows started by the engine, by type.",
		}, []string{"type"}),
		workflowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_completed_total",
			Help: "Workflows that reached COMPLETED, by type.",
		}, []string{"type"}),
		workflowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_failed_total",
			Help: "Workflows that reached FAILED, by type and error code.",
		}, []string{"type", "error_code"}),
		workflowsStalled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_stalled_total",
			Help: "Workflows parked in STALLED, by type and reason.",
		}, []string{"type", "reason"}),
		workflowsResumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_workflows_resumed_total",
			Help: "Stalled workflows resumed, by type.",
		}, []string{"type"}),
		workflowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_workflow_duration_seconds",
			Help:    "End-to-end workflow duration, by type.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
		stepsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_steps_started_total",
			Help: "Step attempts started, by type and step.",
		}, []string{"type", "step"}),
		stepsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_steps_retried_total",
			Help: "Step retries scheduled, by type and step.",
		}, []string{"type", "step"}),
		stepsTimedOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_steps_timed_out_total",
			Help: "Step attempts cancelled by the step timeout, by type and step.",
		}, []string{"type", "step"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_step_duration_seconds",
			Help:    "Successful step attempt duration, by type and step.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type", "step"}),
		txOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_transactions_total",
			Help: "Transaction submissions and outcomes, by type and outcome.",
		}, []string{"type", "outcome"}),
		admissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_rejected_total",
			Help: "Submissions rejected at admission, by reason.",
		}, []string{"reason"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_reconciliations_total",
			Help: "Reconciliation checks, by decision.",
		}, []string{"decision"}),
	}
}

func (s *PromSink) WorkflowCreated(t guard.WorkflowType) {
	s.workflowsCreated.WithLabelValues(string(t)).Inc()
}
func (s *PromSink) WorkflowStarted(t guard.WorkflowType) {
	s.workflowsStarted.WithLabelValues(string(t)).Inc()
}
func (s *PromSink) WorkflowCompleted(t guard.WorkflowType, dur time.Duration) {
	s.workflowsCompleted.WithLabelValues(string(t)).Inc()
	s.workflowDuration.WithLabelValues(string(t)).Observe(dur.Seconds())
}
func (s *PromSink) WorkflowFailed(t guard.WorkflowType, errorCode string) {
	s.workflowsFailed.WithLabelValues(string(t), errorCode).Inc()
}
func (s *PromSink) WorkflowStalled(t guard.WorkflowType, reason string) {
	s.workflowsStalled.WithLabelValues(string(t), reason).Inc()
}
func (s *PromSink) WorkflowResumed(t guard.WorkflowType) {
	s.workflowsResumed.WithLabelValues(string(t)).Inc()
}
func (s *PromSink) StepStarted(t guard.WorkflowType, step string) {
	s.stepsStarted.WithLabelValues(string(t), step).Inc()
}
func (s *PromSink) StepCompleted(t guard.WorkflowType, step string, dur time.Duration) {
	s.stepDuration.WithLabelValues(string(t), step).Observe(dur.Seconds())
}
func (s *PromSink) StepRetried(t guard.WorkflowType, step string) {
	s.stepsRetried.WithLabelValues(string(t), step).Inc()
}
func (s *PromSink) StepTimedOut(t guard.WorkflowType, step string) {
	s.stepsTimedOut.WithLabelValues(string(t), step).Inc()
}
func (s *PromSink) TxSubmitted(t guard.WorkflowType) {
	s.txOutcomes.WithLabelValues(string(t), "submitted").Inc()
}
func (s *PromSink) TxConfirmed(t guard.WorkflowType) {
	s.txOutcomes.WithLabelValues(string(t), "confirmed").Inc()
}
func (s *PromSink) TxReverted(t guard.WorkflowType) {
	s.txOutcomes.WithLabelValues(string(t), "reverted").Inc()
}
func (s *PromSink) TxNotFound(t guard.WorkflowType) {
	s.txOutcomes.WithLabelValues(string(t), "not_found").Inc()
}
func (s *PromSink) AdmissionRejected(reason string) {
	s.admissionRejected.WithLabelValues(reason).Inc()
}
func (s *PromSink) ReconciliationRan(decision string) {
	s.reconciliations.WithLabelValues(decision).Inc()
}
