package usecase

import "context"

// DuplicateReport lists earlier diagnoses of the same photo by the same user.
type DuplicateReport struct {
	Request    *Diagnosis  `json:"request"`
	Duplicates []Diagnosis `json:"duplicates"`
}

// GetDuplicateReport builds a duplicate detection report for a diagnosis request.
func (uc *DiagnosisUseCase) GetDuplicateReport(ctx context.Context, userID, requestID string) (*DuplicateReport, error) {
	record, err := uc.findRecord(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	request, err := diagnosisFromRecord(record)
	if err != nil {
		return nil, err
	}

	records, err := uc.repo.FindDuplicatesByHash(ctx, userID, record.ImageSHA1, record.RequestID)
	if err != nil {
		return nil, err
	}

	duplicates := make([]Diagnosis, 0, len(records))
	for i := range records {
		d, err := diagnosisFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		duplicates = append(duplicates, *d)
	}
	return &DuplicateReport{Request: request, Duplicates: duplicates}, nil
}
