// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quizforge"

var (
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Logical provider calls by operation and outcome category.",
	}, []string{"operation", "outcome"})

	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Individual provider attempts, including retries.",
	}, []string{"operation"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "End-to-end latency of logical provider calls across attempts.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	CostMicros = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_cost_micro_usd_total",
		Help:      "Recorded provider cost in micro-USD.",
	}, []string{"operation"})

	QuotaDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quota_decisions_total",
		Help:      "Quota authorizations by result (allowed, rate_limit_exceeded, spending_limit_exceeded).",
	}, []string{"result"})

	SpendingWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spending_warnings_total",
		Help:      "Spending limit warnings emitted by threshold percentage.",
	}, []string{"threshold"})

	Regenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "regenerations_total",
		Help:      "Regeneration attempts by result (recorded, limit_reached).",
	}, []string{"result"})

	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_transitions_total",
		Help:      "Pipeline state transitions by target stage.",
	}, []string{"stage"})

	SignalsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_dropped_total",
		Help:      "Signals not delivered to a slow SSE subscriber.",
	})
)

// RegisterGauge exposes a value sampled at scrape time.
func RegisterGauge(name, help string, fn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
