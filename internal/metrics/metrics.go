// Package metrics holds the Prometheus collectors for the implementation
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the pipeline.
//
// Metrics:
//   - impl_orch_items_total{status} - items that reached a terminal status
//   - impl_orch_stage_duration_seconds{stage} - duration of pipeline stages
//   - impl_orch_deployments_total{result} - deployment requests by result
//   - impl_orch_validation_total{outcome} - validation commands by outcome
//   - impl_orch_agent_tokens_total{direction} - agent tokens consumed
type Metrics struct {
	ItemsTotal      *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	DeploymentTotal *prometheus.CounterVec
	ValidationTotal *prometheus.CounterVec
	AgentTokens     *prometheus.CounterVec
}

// New creates and registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impl_orch_items_total",
				Help: "Total number of implementation items by terminal status",
			},
			[]string{"status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "impl_orch_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"stage"}, // workspace, agent, validation, commit, push, pr, deploy
		),
		DeploymentTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impl_orch_deployments_total",
				Help: "Total number of deployment requests by result",
			},
			[]string{"result"}, // triggered, cached, failed
		),
		ValidationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impl_orch_validation_total",
				Help: "Total number of validation commands by outcome",
			},
			[]string{"outcome"},
		),
		AgentTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "impl_orch_agent_tokens_total",
				Help: "Total number of agent tokens by direction",
			},
			[]string{"direction"},
		),
	}
}

// ItemFinished counts an item that reached status
func (m *Metrics) ItemFinished(status string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage took
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Deployment counts a deployment request
func (m *Metrics) Deployment(result string) {
	if m == nil {
		return
	}
	m.DeploymentTotal.WithLabelValues(result).Inc()
}

// Validation counts a validation command outcome
func (m *Metrics) Validation(outcome string) {
	if m == nil {
		return
	}
	m.ValidationTotal.WithLabelValues(outcome).Inc()
}

// Tokens adds agent token usage
func (m *Metrics) Tokens(input, output int) {
	if m == nil {
		return
	}
	m.AgentTokens.WithLabelValues("input").Add(float64(input))
	m.AgentTokens.WithLabelValues("output").Add(float64(output))
}
