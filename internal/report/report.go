// Package report renders the downloadable PDF of a diagnosis.
package report

import (
	"bytes"
	"fmt"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/catalog"
)

// Filename is the attachment name of generated reports.
const Filename = "EyeReport.pdf"

const (
	maxImageWidthMM  = 120.0
	maxImageHeightMM = 100.0
	disclaimer       = "This report is produced by an automated screening model and is not a medical diagnosis. " +
		"Please consult a qualified eye care professional about any finding."
)

// Input is everything a report shows.
type Input struct {
	RequestID string
	CreatedAt time.Time
	Outcome   aggregator.Outcome
	// Image is the analysed photo in any format the service accepts. It may be empty.
	Image []byte
}

// Renderer builds PDF reports. Condition notes come from the catalogue.
type Renderer struct {
	catalog *catalog.Catalog
}

// NewRenderer returns a renderer; cat may be nil to skip condition notes.
func NewRenderer(cat *catalog.Catalog) *Renderer {
	return &Renderer{catalog: cat}
}

// Render returns the PDF bytes for in.
func (r *Renderer) Render(in Input) ([]byte, error) {
	findings := in.Outcome.Findings()

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Eye Diagnosis Report", true)
	pdf.SetCreator("deepsight", true)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, "Eye Diagnosis Report", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr("Request ID: "+in.RequestID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Date: "+in.CreatedAt.UTC().Format("2006-01-02 15:04 MST"), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Mode: "+modeLabel(in.Outcome.Mode), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if len(in.Image) > 0 {
		if err := r.addImage(pdf, in.Image, findings); err != nil {
			return nil, err
		}
	}

	r.addFindingsTable(pdf, tr, findings)

	if len(findings) > 0 {
		chartPNG, err := ConfidenceChart(findings)
		if err != nil {
			return nil, fmt.Errorf("render chart: %w", err)
		}
		pdf.RegisterImageOptionsReader("confidence-chart", gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(chartPNG))
		pageW, _ := pdf.GetPageSize()
		pdf.ImageOptions("confidence-chart", (pageW-100)/2, pdf.GetY(), 100, 50, true, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.Ln(4)
	}

	r.addConditionNotes(pdf, tr, findings)

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, disclaimer, "", "L", false)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("build pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) addImage(pdf *gofpdf.Fpdf, data []byte, findings []aggregator.Finding) error {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode report image: %w", err)
	}
	annotated := Annotate(img, findings)

	var buf bytes.Buffer
	if err := png.Encode(&buf, annotated); err != nil {
		return fmt.Errorf("encode report image: %w", err)
	}
	pdf.RegisterImageOptionsReader("photo", gofpdf.ImageOptions{ImageType: "PNG"}, &buf)

	bounds := annotated.Bounds()
	w := maxImageWidthMM
	h := w * float64(bounds.Dy()) / float64(bounds.Dx())
	if h > maxImageHeightMM {
		h = maxImageHeightMM
		w = h * float64(bounds.Dx()) / float64(bounds.Dy())
	}
	pageW, _ := pdf.GetPageSize()
	pdf.ImageOptions("photo", (pageW-w)/2, pdf.GetY(), w, h, true, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	pdf.Ln(6)
	return nil
}

func (r *Renderer) addFindingsTable(pdf *gofpdf.Fpdf, tr func(string) string, findings []aggregator.Finding) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "Diagnosis Result", "", 1, "L", false, 0, "")

	if len(findings) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 7, "No eye could be detected in the image.", "", 1, "L", false, 0, "")
		return
	}

	widths := []float64{40, 100, 40}
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(230, 230, 230)
	for i, header := range []string{"Eye", "Diagnosis", "Confidence"} {
		pdf.CellFormat(widths[i], 8, header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 11)
	for _, f := range findings {
		pdf.CellFormat(widths[0], 8, f.Eye, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 8, tr(r.displayName(f.Prediction.Class)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 8, formatPercent(f.Prediction.Confidence), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(4)
}

func (r *Renderer) addConditionNotes(pdf *gofpdf.Fpdf, tr func(string) string, findings []aggregator.Finding) {
	if r.catalog == nil {
		return
	}

	seen := make(map[string]bool)
	for _, f := range findings {
		cond, ok := r.catalog.Lookup(f.Prediction.Class)
		if !ok || seen[cond.Slug] {
			continue
		}
		seen[cond.Slug] = true

		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, tr(cond.Name), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, tr(cond.Summary), "", "L", false)
		for _, symptom := range cond.Symptoms {
			pdf.MultiCell(0, 5, tr("- "+symptom), "", "L", false)
		}
		if cond.Recommendation != "" {
			pdf.SetFont("Helvetica", "I", 10)
			pdf.MultiCell(0, 5, tr("Recommendation: "+cond.Recommendation), "", "L", false)
		}
		pdf.Ln(3)
	}
}

func (r *Renderer) displayName(class string) string {
	if r.catalog != nil {
		if cond, ok := r.catalog.Lookup(class); ok {
			return cond.Name
		}
	}
	return class
}

func modeLabel(mode aggregator.Mode) string {
	if mode == aggregator.ModeSingleEye {
		return "Single eye"
	}
	return "Both eyes"
}

func formatPercent(confidence float64) string {
	return fmt.Sprintf("%.1f%%", confidence*100)
}
