package usecase

import (
	"context"
	"errors"
)

// MetricsSummary aggregates verification outcomes from the audit log.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	CompletedRequests  int64   `json:"completed_requests"`
	MatchedRequests    int64   `json:"matched_requests"`
	CompletionRate     float64 `json:"completion_rate"`
	MatchRate          float64 `json:"match_rate"`
	AverageDistance    float64 `json:"average_distance"`
	AverageConfidence  float64 `json:"average_confidence"`
}

// GetMetricsSummary builds the summary from persisted outcomes.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, errors.New("metrics require persistence")
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		CompletedRequests: aggregation.SuccessCount,
		MatchedRequests:   aggregation.MatchCount,
		AverageDistance:   aggregation.AverageDistance,
		AverageConfidence: aggregation.AverageConfidence,
	}

	if aggregation.TotalCount > 0 {
		summary.CompletionRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SuccessCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.SuccessCount)
	}

	return summary, nil
}
