package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conductor/pkg/config"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics. Costs are derived from the known-model pricing catalog; unknown
// models record zero cost.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
// Metrics register on the default registry; create at most one per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_requests_total",
				Help: "Total number of agent requests by model, feature, phase, and status",
			},
			[]string{"model", "feature_id", "phase", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tokens_total",
				Help: "Total number of tokens used in agent requests",
			},
			[]string{"model", "feature_id", "phase", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_costs_total",
				Help: "Total cost in USD for agent requests",
			},
			[]string{"model", "feature_id", "phase"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_request_duration_seconds",
				Help:    "Duration of agent requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "feature_id", "phase"},
		),
	}
}

// ObserveRequest records metrics for a completed agent request.
func (p *PrometheusRecorder) ObserveRequest(
	model, featureID, phase string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, featureID, phase, status, errorType).Inc()

	// Tokens and costs only count on success; failed requests report usage
	// inconsistently across providers.
	if success {
		p.tokensTotal.WithLabelValues(model, featureID, phase, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, featureID, phase, "completion").Add(float64(completionTokens))
		p.costsTotal.WithLabelValues(model, featureID, phase).Add(requestCost(model, promptTokens, completionTokens))
	}

	p.requestDuration.WithLabelValues(model, featureID, phase).Observe(duration.Seconds())
}

// requestCost computes the USD cost of a request from catalog pricing.
func requestCost(model string, promptTokens, completionTokens int) float64 {
	info, _ := config.GetModelInfo(model)
	return float64(promptTokens)*info.InputCPM/1e6 + float64(completionTokens)*info.OutputCPM/1e6
}
