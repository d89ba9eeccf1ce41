package handlers

import (
	"fmt"
	"time"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/usecase"
)

type findingResponse struct {
	Eye        string             `json:"eye"`
	Class      string             `json:"class"`
	Confidence float64            `json:"confidence"`
	Percent    string             `json:"confidence_percent"`
	Condition  *catalog.Condition `json:"condition,omitempty"`
}

type diagnosisResponse struct {
	RequestID       string                 `json:"request_id"`
	Mode            aggregator.Mode        `json:"mode"`
	Single          *aggregator.Prediction `json:"single,omitempty"`
	Left            *aggregator.Prediction `json:"left,omitempty"`
	Right           *aggregator.Prediction `json:"right,omitempty"`
	Findings        []findingResponse      `json:"findings"`
	ImageWidth      int                    `json:"image_width"`
	ImageHeight     int                    `json:"image_height"`
	PredictionCount int                    `json:"prediction_count"`
	LatencyMs       int64                  `json:"latency_ms"`
	CreatedAt       time.Time              `json:"created_at"`
}

func newDiagnosisResponse(d *usecase.Diagnosis, cat *catalog.Catalog) diagnosisResponse {
	findings := d.Outcome.Findings()
	resp := diagnosisResponse{
		RequestID:       d.RequestID,
		Mode:            d.Mode,
		Single:          d.Outcome.Single,
		Left:            d.Outcome.Left,
		Right:           d.Outcome.Right,
		Findings:        make([]findingResponse, 0, len(findings)),
		ImageWidth:      d.ImageWidth,
		ImageHeight:     d.ImageHeight,
		PredictionCount: d.PredictionCount,
		LatencyMs:       d.LatencyMs,
		CreatedAt:       d.CreatedAt,
	}
	for _, f := range findings {
		fr := findingResponse{
			Eye:        f.Eye,
			Class:      f.Prediction.Class,
			Confidence: f.Prediction.Confidence,
			Percent:    fmt.Sprintf("%.2f%%", f.Prediction.Confidence*100),
		}
		if cat != nil {
			if cond, ok := cat.Lookup(f.Prediction.Class); ok {
				fr.Condition = &cond
			}
		}
		resp.Findings = append(resp.Findings, fr)
	}
	return resp
}
