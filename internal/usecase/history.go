package usecase

import (
	"context"

	"github.com/example/deepsight/internal/pagination"
)

// HistoryPage is one page of a user's past diagnoses, newest first.
type HistoryPage struct {
	Items  []Diagnosis       `json:"items"`
	Window pagination.Window `json:"pagination"`
}

// ListHistory returns the requested page of the user's diagnoses. A page past
// the end is clamped to the last page.
func (uc *DiagnosisUseCase) ListHistory(ctx context.Context, userID string, page, perPage int) (*HistoryPage, error) {
	page, perPage = pagination.Normalize(page, perPage)
	offset := (page - 1) * perPage

	records, total, err := uc.repo.ListByUser(ctx, userID, offset, perPage)
	if err != nil {
		return nil, err
	}

	window := pagination.Paginate(int(total), page, perPage)
	if window.Offset != offset {
		records, total, err = uc.repo.ListByUser(ctx, userID, window.Offset, window.PerPage)
		if err != nil {
			return nil, err
		}
		window = pagination.Paginate(int(total), page, perPage)
	}

	items := make([]Diagnosis, 0, len(records))
	for i := range records {
		d, err := diagnosisFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *d)
	}
	return &HistoryPage{Items: items, Window: window}, nil
}
