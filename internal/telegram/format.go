package telegram

import (
	"fmt"
	"strings"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/usecase"
)

// FormatDiagnosis renders the findings of a diagnosis as a chat message.
func FormatDiagnosis(d *usecase.Diagnosis, cat *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🩺 Diagnosis (%s)\n", modeLabel(d.Mode))

	for _, f := range d.Outcome.Findings() {
		fmt.Fprintf(&b, "\n👁 %s: %s (%.2f%%)", f.Eye, f.Prediction.Class, f.Prediction.Confidence*100)
		if cat == nil {
			continue
		}
		if cond, ok := cat.Lookup(f.Prediction.Class); ok && cond.Recommendation != "" {
			fmt.Fprintf(&b, "\n   %s", cond.Recommendation)
		}
	}

	fmt.Fprintf(&b, "\n\nRequest: %s", d.RequestID)
	return b.String()
}

func modeLabel(mode aggregator.Mode) string {
	if mode == aggregator.ModeSingleEye {
		return "single eye"
	}
	return "both eyes"
}
