package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/deepsight/internal/repository"
)

func TestGetDuplicateReportListsEarlierDiagnoses(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubRepository{
		findRecord: &repository.DiagnosisRecord{
			RequestID: "req-2",
			UserID:    "user",
			Mode:      "single_eye",
			ImageSHA1: "abc123",
			Outcome:   `{"mode":"single_eye","single":{"class":"Cataract","confidence":0.8,"x":1,"y":0,"width":0,"height":0}}`,
		},
		duplicates: []repository.DiagnosisRecord{{
			RequestID: "req-1",
			UserID:    "user",
			Mode:      "single_eye",
			ImageSHA1: "abc123",
			Outcome:   `{"mode":"single_eye","single":{"class":"Normal","confidence":0.7,"x":1,"y":0,"width":0,"height":0}}`,
			CreatedAt: created,
		}},
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubDetector{})

	dup, err := uc.GetDuplicateReport(context.Background(), "user", "req-2")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dup.Request == nil || dup.Request.RequestID != "req-2" {
		t.Fatalf("unexpected request: %+v", dup.Request)
	}
	if len(dup.Duplicates) != 1 || dup.Duplicates[0].RequestID != "req-1" {
		t.Fatalf("unexpected duplicates: %+v", dup.Duplicates)
	}
	if dup.Duplicates[0].Outcome.Single == nil || dup.Duplicates[0].Outcome.Single.Class != "Normal" {
		t.Fatalf("unexpected duplicate outcome: %+v", dup.Duplicates[0].Outcome)
	}
	want := []string{"user", "abc123", "req-2"}
	for i := range want {
		if repo.dupArgs[i] != want[i] {
			t.Fatalf("expected lookup args %v, got %v", want, repo.dupArgs)
		}
	}
}

func TestGetDuplicateReportEmptyWhenPhotoIsNew(t *testing.T) {
	repo := &stubRepository{
		findRecord: &repository.DiagnosisRecord{RequestID: "req", UserID: "user", ImageSHA1: "abc", Outcome: `{"mode":"two_eyes"}`},
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubDetector{})

	dup, err := uc.GetDuplicateReport(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if dup.Duplicates == nil || len(dup.Duplicates) != 0 {
		t.Fatalf("expected empty duplicate list, got %+v", dup.Duplicates)
	}
}

func TestGetDuplicateReportUnknownRequest(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(repo, &stubCache{}, &stubDetector{})

	if _, err := uc.GetDuplicateReport(context.Background(), "user", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if repo.dupArgs != nil {
		t.Fatalf("duplicate lookup should not run for unknown requests")
	}
}

func TestGetDuplicateReportPropagatesRepositoryError(t *testing.T) {
	repoErr := errors.New("db down")
	repo := &stubRepository{
		findRecord: &repository.DiagnosisRecord{RequestID: "req", UserID: "user", ImageSHA1: "abc", Outcome: `{"mode":"two_eyes"}`},
		dupErr:     repoErr,
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubDetector{})

	if _, err := uc.GetDuplicateReport(context.Background(), "user", "req"); !errors.Is(err, repoErr) {
		t.Fatalf("expected repository error, got %v", err)
	}
}
