package report

import (
	"bytes"
	"errors"

	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/example/deepsight/internal/aggregator"
)

// ConfidenceChart renders a PNG bar chart of the findings' confidences in percent.
func ConfidenceChart(findings []aggregator.Finding) ([]byte, error) {
	if len(findings) == 0 {
		return nil, errors.New("no findings to chart")
	}

	bars := make([]chart.Value, 0, len(findings))
	for _, f := range findings {
		bars = append(bars, chart.Value{
			Value: f.Prediction.Confidence * 100,
			Label: f.Eye,
		})
	}

	graph := chart.BarChart{
		Title: "Confidence (%)",
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		Width:    600,
		Height:   300,
		BarWidth: 90,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Bars: bars,
	}

	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
