package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/deepsight/internal/archive"
	"github.com/example/deepsight/internal/logging"
	"github.com/example/deepsight/internal/report"
)

// Report is a rendered PDF ready for download.
type Report struct {
	RequestID string
	Filename  string
	Data      []byte
	// Location is the archive URL, empty when archiving is disabled or failed.
	Location string
}

// BuildReport renders the PDF report of a stored diagnosis and archives it
// when an archive is configured. Archive failures do not fail the call.
func (uc *DiagnosisUseCase) BuildReport(ctx context.Context, userID, requestID string) (*Report, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.build_report", requestID)

	record, err := uc.findRecord(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	diagnosis, err := diagnosisFromRecord(record)
	if err != nil {
		return nil, err
	}

	data, err := uc.renderer.Render(report.Input{
		RequestID: diagnosis.RequestID,
		CreatedAt: diagnosis.CreatedAt,
		Outcome:   diagnosis.Outcome,
		Image:     record.Image,
	})
	if err != nil {
		wrapped := logging.NewOperationError("usecase.render_report", requestID, err)
		opLogger.Error("failed to render report", zap.Error(wrapped))
		return nil, wrapped
	}

	out := &Report{RequestID: requestID, Filename: report.Filename, Data: data}
	if uc.archive != nil {
		key := archive.ReportKey(uc.archivePrefix, userID, requestID)
		location, err := uc.archive.Put(ctx, key, "application/pdf", data)
		if err != nil {
			opLogger.Warn("failed to archive report", zap.Error(err), zap.String("key", key))
		} else {
			out.Location = location
		}
	}
	return out, nil
}
