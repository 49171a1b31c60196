// Package metrics provides Prometheus-based metrics recording for agent
// operations.
package metrics

import "time"

// Recorder receives per-request agent metrics. The feature ID and execution
// phase travel as labels so costs and durations can be rolled up per feature.
type Recorder interface {
	// ObserveRequest records metrics for a completed agent request.
	ObserveRequest(
		model, featureID, phase string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// NoopRecorder discards all metrics. Used when metrics are disabled.
type NoopRecorder struct{}

// NewNoopRecorder creates a recorder that does nothing.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

// ObserveRequest implements Recorder.
func (n *NoopRecorder) ObserveRequest(_, _, _ string, _, _ int, _ bool, _ string, _ time.Duration) {
}
