package usecase

import (
	"context"

	"gonum.org/v1/gonum/stat"
)

const confidenceSampleSize = 500

// MetricsSummary represents aggregated diagnosis insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SingleEyeRequests          int64   `json:"single_eye_requests"`
	TwoEyesRequests            int64   `json:"two_eyes_requests"`
	ConfidenceSampleSize       int     `json:"confidence_sample_size"`
	MeanTopConfidence          float64 `json:"mean_top_confidence"`
	StdDevTopConfidence        float64 `json:"stddev_top_confidence"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates diagnosis metrics from persisted records.
func (uc *DiagnosisUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	confidences, err := uc.repo.RecentTopConfidences(ctx, confidenceSampleSize)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SingleEyeRequests:          aggregation.SingleEyeCount,
		TwoEyesRequests:            aggregation.TwoEyesCount,
		ConfidenceSampleSize:       len(confidences),
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	switch {
	case len(confidences) == 1:
		summary.MeanTopConfidence = confidences[0]
	case len(confidences) > 1:
		summary.MeanTopConfidence, summary.StdDevTopConfidence = stat.MeanStdDev(confidences, nil)
	}

	return summary, nil
}
