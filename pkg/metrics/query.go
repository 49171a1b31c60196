// Package metrics provides services for querying and aggregating metrics data.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// FeatureMetrics represents aggregated agent usage for one feature.
type FeatureMetrics struct {
	FeatureID        string  `json:"feature_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query agent metrics from a Prometheus
// server scraping the conductor's /metrics endpoint.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// scalarQuery runs an instant query expected to return a single-sample
// vector and extracts its value. Missing series yield zero.
func (q *QueryService) scalarQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetFeatureMetrics retrieves aggregated token and cost metrics for a
// feature, summed across all models and execution phases.
func (q *QueryService) GetFeatureMetrics(ctx context.Context, featureID string) (*FeatureMetrics, error) {
	metrics := &FeatureMetrics{
		FeatureID: featureID,
	}

	prompt, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_tokens_total{feature_id=%q, type="prompt"})`, featureID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completion, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_tokens_total{feature_id=%q, type="completion"})`, featureID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)

	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	cost, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_costs_total{feature_id=%q})`, featureID))
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	metrics.TotalCost = cost

	return metrics, nil
}

// GetFeatureMetricsByPhase retrieves metrics broken down by execution phase
// (planning, implementation, pipeline step IDs) for a feature.
func (q *QueryService) GetFeatureMetricsByPhase(ctx context.Context, featureID string) (map[string]*FeatureMetrics, error) {
	result := make(map[string]*FeatureMetrics)

	phasesQuery := fmt.Sprintf(`group by (phase) (agent_tokens_total{feature_id=%q})`, featureID)
	phasesResult, _, err := q.queryAPI.Query(ctx, phasesQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}

	var phases []string
	if vector, ok := phasesResult.(model.Vector); ok {
		for _, sample := range vector {
			if phase, ok := sample.Metric["phase"]; ok {
				phases = append(phases, string(phase))
			}
		}
	}

	for _, phase := range phases {
		metrics := &FeatureMetrics{
			FeatureID: featureID,
		}

		prompt, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_tokens_total{feature_id=%q, phase=%q, type="prompt"})`, featureID, phase))
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for phase %s: %w", phase, err)
		}
		metrics.PromptTokens = int64(prompt)

		completion, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_tokens_total{feature_id=%q, phase=%q, type="completion"})`, featureID, phase))
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for phase %s: %w", phase, err)
		}
		metrics.CompletionTokens = int64(completion)

		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		cost, err := q.scalarQuery(ctx, fmt.Sprintf(`sum(agent_costs_total{feature_id=%q, phase=%q})`, featureID, phase))
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for phase %s: %w", phase, err)
		}
		metrics.TotalCost = cost

		result[phase] = metrics
	}

	return result, nil
}
