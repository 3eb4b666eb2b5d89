// Package metrics owns the Prometheus series for the orchestrator. All
// business code records through this registry; exact-decimal costs are
// downcast to float only here, at exposition.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// turnDurationBuckets covers sub-second phases through multi-minute turns.
var turnDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 60, 120}

// Registry wraps a dedicated Prometheus registry with typed recorders for
// every series the orchestrator exposes.
type Registry struct {
	reg *prometheus.Registry

	turnDuration  *prometheus.HistogramVec
	llmCost       *prometheus.GaugeVec
	turnsTotal    *prometheus.CounterVec
	turnsActive   prometheus.Gauge
	phaseDuration *prometheus.HistogramVec
	phaseEvents   *prometheus.CounterVec

	aiRequests *prometheus.CounterVec
	aiTokens   *prometheus.CounterVec
	aiCost     *prometheus.CounterVec

	compensations        *prometheus.CounterVec
	compensationDuration *prometheus.HistogramVec

	errorsTotal   *prometheus.CounterVec
	errorRecovery *prometheus.CounterVec

	crossContextCalls    *prometheus.CounterVec
	crossContextDuration *prometheus.HistogramVec

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInProgress prometheus.Gauge

	kpi *KPIWindow
}

// NewRegistry builds the full metric surface on a fresh Prometheus registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		kpi: NewKPIWindow(time.Hour),

		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Turn and per-phase execution duration.",
			Buckets: turnDurationBuckets,
		}, []string{"phase", "participants_count_bucket", "ai_enabled", "success"}),

		llmCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_cost_per_request_dollars",
			Help: "AI cost of the most recent turn or phase.",
		}, []string{"phase", "model_type", "success", "narrative_depth"}),

		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"status", "participants_range", "ai_enabled"}),

		turnsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turns_active",
			Help: "Turns currently executing.",
		}),

		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phase_duration_seconds",
			Help:    "Per-phase execution duration.",
			Buckets: turnDurationBuckets,
		}, []string{"phase_type", "success", "participants_count_bucket"}),

		phaseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phase_events_processed_total",
			Help: "Events processed and generated per phase.",
		}, []string{"phase_type", "event_type", "success"}),

		aiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "AI gateway requests.",
		}, []string{"provider", "model", "phase"}),

		aiTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_token_usage_total",
			Help: "AI tokens consumed.",
		}, []string{"provider", "model", "phase"}),

		aiCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_cost_total_dollars",
			Help: "Cumulative AI spend in dollars.",
		}, []string{"provider", "model", "phase"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compensations_total",
			Help: "Compensation actions by outcome.",
		}, []string{"type", "success", "rollback_reason"}),

		compensationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compensation_duration_seconds",
			Help:    "Compensation action execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "success", "rollback_reason"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors by kind, severity, and component.",
		}, []string{"type", "severity", "component"}),

		errorRecovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "error_recovery_attempts_total",
			Help: "Retry and recovery attempts.",
		}, []string{"type", "severity", "component"}),

		crossContextCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cross_context_calls_total",
			Help: "Outbound collaborator calls.",
		}, []string{"target_context", "operation"}),

		crossContextDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cross_context_call_duration_seconds",
			Help:    "Outbound collaborator call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target_context", "operation"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		httpInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_progress",
			Help: "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.turnDuration, r.llmCost, r.turnsTotal, r.turnsActive,
		r.phaseDuration, r.phaseEvents,
		r.aiRequests, r.aiTokens, r.aiCost,
		r.compensations, r.compensationDuration,
		r.errorsTotal, r.errorRecovery,
		r.crossContextCalls, r.crossContextDuration,
		r.httpRequests, r.httpDuration, r.httpInProgress,
	)
	return r
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// KPI returns the sliding completion window.
func (r *Registry) KPI() *KPIWindow { return r.kpi }

// ParticipantsBucket buckets a participant count into the fixed label set.
func ParticipantsBucket(n int) string {
	switch {
	case n <= 1:
		return "1"
	case n <= 3:
		return "2-3"
	case n <= 5:
		return "4-5"
	case n <= 10:
		return "6-10"
	default:
		return "10+"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// TurnStarted bumps the active-turn gauge.
func (r *Registry) TurnStarted() { r.turnsActive.Inc() }

// TurnFinished records a completed turn: decrements the active gauge, counts
// the outcome, observes the full-turn duration (phase="complete"), sets the
// per-turn cost gauge, and feeds the KPI window.
func (r *Registry) TurnFinished(success bool, participants int, aiEnabled bool, depth string, duration time.Duration, totalCost decimal.Decimal) {
	r.turnsActive.Dec()
	status := "success"
	if !success {
		status = "error"
	}
	bucket := ParticipantsBucket(participants)
	r.turnsTotal.WithLabelValues(status, bucket, boolLabel(aiEnabled)).Inc()
	r.turnDuration.WithLabelValues("complete", bucket, boolLabel(aiEnabled), boolLabel(success)).
		Observe(duration.Seconds())
	cost, _ := totalCost.Float64()
	r.llmCost.WithLabelValues("complete", "aggregate", boolLabel(success), depth).Set(cost)
	r.kpi.Record(Completion{
		Success:  success,
		Duration: duration,
		Cost:     cost,
		At:       time.Now(),
	})
}

// PhaseFinished records one phase execution.
func (r *Registry) PhaseFinished(phase string, success bool, participants int, aiEnabled bool, depth string, duration time.Duration, eventsProcessed, eventsGenerated int, aiCost decimal.Decimal) {
	bucket := ParticipantsBucket(participants)
	r.phaseDuration.WithLabelValues(phase, boolLabel(success), bucket).Observe(duration.Seconds())
	r.turnDuration.WithLabelValues(phase, bucket, boolLabel(aiEnabled), boolLabel(success)).
		Observe(duration.Seconds())
	if eventsProcessed > 0 {
		r.phaseEvents.WithLabelValues(phase, "processed", boolLabel(success)).Add(float64(eventsProcessed))
	}
	if eventsGenerated > 0 {
		r.phaseEvents.WithLabelValues(phase, "generated", boolLabel(success)).Add(float64(eventsGenerated))
	}
	if !aiCost.IsZero() {
		cost, _ := aiCost.Float64()
		r.llmCost.WithLabelValues(phase, "aggregate", boolLabel(success), depth).Set(cost)
	}
}

// AIRequest records one gateway call with its token and dollar cost.
func (r *Registry) AIRequest(provider, model, phase string, tokens int, cost decimal.Decimal) {
	r.aiRequests.WithLabelValues(provider, model, phase).Inc()
	r.aiTokens.WithLabelValues(provider, model, phase).Add(float64(tokens))
	c, _ := cost.Float64()
	r.aiCost.WithLabelValues(provider, model, phase).Add(c)
}

// CompensationExecuted records one compensation action outcome.
func (r *Registry) CompensationExecuted(compensationType string, success bool, rollbackReason string, duration time.Duration) {
	r.compensations.WithLabelValues(compensationType, boolLabel(success), rollbackReason).Inc()
	r.compensationDuration.WithLabelValues(compensationType, boolLabel(success), rollbackReason).
		Observe(duration.Seconds())
}

// Error counts one error occurrence.
func (r *Registry) Error(errorType, severity, component string) {
	r.errorsTotal.WithLabelValues(errorType, severity, component).Inc()
}

// RecoveryAttempt counts one retry/recovery attempt.
func (r *Registry) RecoveryAttempt(errorType, severity, component string) {
	r.errorRecovery.WithLabelValues(errorType, severity, component).Inc()
}

// CrossContextCall records one outbound collaborator call.
func (r *Registry) CrossContextCall(target, operation string, duration time.Duration) {
	r.crossContextCalls.WithLabelValues(target, operation).Inc()
	r.crossContextDuration.WithLabelValues(target, operation).Observe(duration.Seconds())
}

// HTTPStarted marks an in-flight request.
func (r *Registry) HTTPStarted() { r.httpInProgress.Inc() }

// HTTPFinished records a finished request.
func (r *Registry) HTTPFinished(method, path, status string, duration time.Duration) {
	r.httpInProgress.Dec()
	r.httpRequests.WithLabelValues(method, path, status).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
