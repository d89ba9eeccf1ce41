// Package aggregator reduces the raw detections returned by the inference
// service to one result per eye.
package aggregator

import (
	"fmt"
	"math"
	"strings"
)

// Mode selects how predictions are grouped.
type Mode string

const (
	// ModeSingleEye keeps the single best prediction of the whole image.
	ModeSingleEye Mode = "single_eye"
	// ModeTwoEyes splits the image at its horizontal midpoint and keeps the
	// best prediction of each half.
	ModeTwoEyes Mode = "two_eyes"
)

// ParseMode converts user input into a Mode. An empty value selects ModeTwoEyes.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(ModeTwoEyes), "both", "two":
		return ModeTwoEyes, nil
	case string(ModeSingleEye), "single", "one":
		return ModeSingleEye, nil
	default:
		return "", fmt.Errorf("unknown eye mode %q", value)
	}
}

// Prediction is one detected region returned by the inference service.
type Prediction struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	DetectionID string  `json:"detection_id,omitempty"`
}

// DetectionResult is the decoded inference response.
type DetectionResult struct {
	ImageWidth  int          `json:"image_width"`
	ImageHeight int          `json:"image_height"`
	Predictions []Prediction `json:"predictions"`
}

// Outcome holds the winning predictions. Absent fields mean nothing was
// detected for that slot.
type Outcome struct {
	Mode   Mode        `json:"mode"`
	Single *Prediction `json:"single,omitempty"`
	Left   *Prediction `json:"left,omitempty"`
	Right  *Prediction `json:"right,omitempty"`
}

// Empty reports whether no result slot is populated.
func (o Outcome) Empty() bool {
	return o.Single == nil && o.Left == nil && o.Right == nil
}

// Finding is a populated result slot with its display label.
type Finding struct {
	Eye        string     `json:"eye"`
	Prediction Prediction `json:"prediction"`
}

// Findings lists the populated slots in display order.
func (o Outcome) Findings() []Finding {
	findings := make([]Finding, 0, 2)
	if o.Single != nil {
		findings = append(findings, Finding{Eye: "Eye", Prediction: *o.Single})
	}
	if o.Left != nil {
		findings = append(findings, Finding{Eye: "Left Eye", Prediction: *o.Left})
	}
	if o.Right != nil {
		findings = append(findings, Finding{Eye: "Right Eye", Prediction: *o.Right})
	}
	return findings
}

// Midpoint returns floor(width / 2).
func Midpoint(imageWidth int) int {
	return int(math.Floor(float64(imageWidth) / 2))
}

// Aggregate picks the winning predictions for the given mode. It never fails:
// an empty prediction list yields an Outcome with no populated slots. Any mode
// other than ModeSingleEye is treated as ModeTwoEyes.
//
// Predictions at or right of the midpoint belong to the left eye because the
// photographed face is mirrored. Equal confidences resolve to the prediction
// seen first.
func Aggregate(result DetectionResult, mode Mode) Outcome {
	if mode == ModeSingleEye {
		return Outcome{Mode: ModeSingleEye, Single: best(result.Predictions, nil)}
	}

	midpoint := float64(Midpoint(result.ImageWidth))
	return Outcome{
		Mode: ModeTwoEyes,
		Left: best(result.Predictions, func(p Prediction) bool {
			return p.X >= midpoint
		}),
		Right: best(result.Predictions, func(p Prediction) bool {
			return p.X < midpoint
		}),
	}
}

// best returns a copy of the highest-confidence prediction accepted by keep,
// or nil when none qualifies.
func best(predictions []Prediction, keep func(Prediction) bool) *Prediction {
	var winner *Prediction
	for i := range predictions {
		p := predictions[i]
		if keep != nil && !keep(p) {
			continue
		}
		if winner == nil || p.Confidence > winner.Confidence {
			winner = &p
		}
	}
	return winner
}
