// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	agentInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_agent_invocations_total",
			Help: "Total number of agent task completions",
		},
		[]string{"agent_kind", "status", "cached"},
	)

	agentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_agent_duration_seconds",
			Help:    "Agent task duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_kind"},
	)

	agentAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_agent_attempts_total",
			Help: "Total agent call attempts, including retries",
		},
		[]string{"agent_kind", "provider"},
	)

	limiterWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_limiter_wait_seconds",
			Help:    "Time spent queued in the rate limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"provider"},
	)

	limiterQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inkwell_limiter_queue_depth",
			Help: "Current number of queued acquire calls per provider",
		},
		[]string{"provider"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"agent_kind", "to_state"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_result_cache_lookups_total",
			Help: "Result cache lookups by outcome (hit, miss, coalesced)",
		},
		[]string{"agent_kind", "outcome"},
	)
)

// RecordPipelineRun records a terminal pipeline outcome.
func RecordPipelineRun(status string, duration time.Duration) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
	pipelineDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAgentInvocation records a terminal agent task outcome.
func RecordAgentInvocation(agentKind, status string, cached bool, duration time.Duration) {
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	agentInvocationsTotal.WithLabelValues(agentKind, status, cachedLabel).Inc()
	agentDurationSeconds.WithLabelValues(agentKind).Observe(duration.Seconds())
}

// RecordAgentAttempt counts one agent call attempt (retries included).
func RecordAgentAttempt(agentKind, provider string) {
	agentAttemptsTotal.WithLabelValues(agentKind, provider).Inc()
}

// ObserveLimiterWait records how long an acquire call was queued.
func ObserveLimiterWait(provider string, wait time.Duration) {
	limiterWaitSeconds.WithLabelValues(provider).Observe(wait.Seconds())
}

// SetLimiterQueueDepth updates the queued-waiter gauge for a provider.
func SetLimiterQueueDepth(provider string, depth int) {
	limiterQueueDepth.WithLabelValues(provider).Set(float64(depth))
}

// RecordBreakerTransition counts a breaker state change.
func RecordBreakerTransition(agentKind, toState string) {
	breakerTransitionsTotal.WithLabelValues(agentKind, toState).Inc()
}

// RecordCacheLookup counts a result-cache lookup outcome.
func RecordCacheLookup(agentKind, outcome string) {
	cacheLookupsTotal.WithLabelValues(agentKind, outcome).Inc()
}
