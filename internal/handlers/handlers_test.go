package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/auth"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/healthcheck"
	"github.com/example/deepsight/internal/imageprocessor"
	"github.com/example/deepsight/internal/pagination"
	"github.com/example/deepsight/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	diagnosis    *usecase.Diagnosis
	report       *usecase.Report
	duplicates   *usecase.DuplicateReport
	history      *usecase.HistoryPage
	err          error
	gotUserID    string
	gotRequestID string
	gotMode      aggregator.Mode
	gotImage     []byte
	gotPage      [2]int
	diagnosed    int
}

func (s *stubService) Diagnose(ctx context.Context, userID string, mode aggregator.Mode, imageBytes []byte) (*usecase.Diagnosis, error) {
	s.diagnosed++
	s.gotUserID, s.gotMode, s.gotImage = userID, mode, imageBytes
	return s.diagnosis, s.err
}

func (s *stubService) GetResult(ctx context.Context, userID, requestID string) (*usecase.Diagnosis, error) {
	s.gotUserID = userID
	return s.diagnosis, s.err
}

func (s *stubService) BuildReport(ctx context.Context, userID, requestID string) (*usecase.Report, error) {
	return s.report, s.err
}

func (s *stubService) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	s.gotUserID, s.gotRequestID = userID, requestID
	return s.duplicates, s.err
}

func (s *stubService) ListHistory(ctx context.Context, userID string, page, perPage int) (*usecase.HistoryPage, error) {
	s.gotPage = [2]int{page, perPage}
	return s.history, s.err
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 3}, s.err
}

type stubChecker struct {
	report healthcheck.Report
}

func (s stubChecker) Check(ctx context.Context) healthcheck.Report {
	return s.report
}

func newTestRouter(t *testing.T, svc DiagnosisService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, cat, nil, auth.NewVerifier(testJWTSecret, "", true).Middleware())
	return router
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(t, &usecase.DiagnosisUseCase{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(t, &usecase.DiagnosisUseCase{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictRequiresToken(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
	if svc.diagnosed != 0 {
		t.Fatal("service must not be called without a token")
	}
}

func TestPredictReturnsFindings(t *testing.T) {
	svc := &stubService{diagnosis: &usecase.Diagnosis{
		RequestID: "req-1",
		Mode:      aggregator.ModeTwoEyes,
		Outcome: aggregator.Outcome{
			Mode:  aggregator.ModeTwoEyes,
			Left:  &aggregator.Prediction{Class: "Cataract", Confidence: 0.9123, X: 300},
			Right: &aggregator.Prediction{Class: "Normal", Confidence: 0.8, X: 100},
		},
	}}
	router := newTestRouter(t, svc)

	upload := pngBytes(t)
	body, contentType := buildMultipartBody(t, "image/png", upload, map[string]string{"eye_count": "two_eyes"})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.gotUserID != "user-123" || svc.gotMode != aggregator.ModeTwoEyes || !bytes.Equal(svc.gotImage, upload) {
		t.Fatalf("unexpected service call: user=%s mode=%s bytes=%d", svc.gotUserID, svc.gotMode, len(svc.gotImage))
	}

	var payload struct {
		RequestID string                 `json:"request_id"`
		Single    *aggregator.Prediction `json:"single"`
		Left      *aggregator.Prediction `json:"left"`
		Findings  []struct {
			Eye       string             `json:"eye"`
			Percent   string             `json:"confidence_percent"`
			Condition *catalog.Condition `json:"condition"`
		} `json:"findings"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.RequestID != "req-1" || payload.Single != nil || payload.Left == nil {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.Findings) != 2 || payload.Findings[0].Eye != "Left Eye" || payload.Findings[0].Percent != "91.23%" {
		t.Fatalf("unexpected findings: %+v", payload.Findings)
	}
	if payload.Findings[0].Condition == nil || payload.Findings[0].Condition.Slug != "cataract" {
		t.Fatalf("expected catalog entry for cataract, got %+v", payload.Findings[0].Condition)
	}
}

func TestPredictRejectsUnknownMode(t *testing.T) {
	svc := &stubService{}
	router := newTestRouter(t, svc)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), map[string]string{"eye_count": "three_eyes"})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestPredictMapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: usecase.ErrNoDetections, want: http.StatusUnprocessableEntity},
		{err: imageprocessor.ErrImageTooLarge, want: http.StatusRequestEntityTooLarge},
		{err: usecase.ErrInference, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
	}

	for _, tc := range cases {
		router := newTestRouter(t, &stubService{err: tc.err})
		body, contentType := buildMultipartBody(t, "image/png", pngBytes(t), nil)
		req := httptest.NewRequest(http.MethodPost, "/predict", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, resp.Code)
		}
	}
}

func TestResultStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: usecase.ErrProcessing, want: http.StatusAccepted},
		{err: usecase.ErrNotFound, want: http.StatusNotFound},
	}

	for _, tc := range cases {
		router := newTestRouter(t, &stubService{err: tc.err})
		req := httptest.NewRequest(http.MethodGet, "/result/abc", nil)
		req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, resp.Code)
		}
	}
}

func TestReportDownload(t *testing.T) {
	svc := &stubService{report: &usecase.Report{
		RequestID: "abc",
		Filename:  "EyeReport.pdf",
		Data:      []byte("%PDF-1.3"),
		Location:  "gs://bucket/reports/user-123/abc.pdf",
	}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/result/abc/report", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("unexpected content type %s", got)
	}
	if got := resp.Header().Get("Content-Disposition"); got != `attachment; filename="EyeReport.pdf"` {
		t.Fatalf("unexpected disposition %s", got)
	}
	if got := resp.Header().Get("X-Report-Location"); got != svc.report.Location {
		t.Fatalf("unexpected location %s", got)
	}
}

func TestDuplicatesListsEarlierDiagnoses(t *testing.T) {
	svc := &stubService{duplicates: &usecase.DuplicateReport{
		Request: &usecase.Diagnosis{
			RequestID: "req-2",
			Mode:      aggregator.ModeSingleEye,
			Outcome:   aggregator.Outcome{Mode: aggregator.ModeSingleEye, Single: &aggregator.Prediction{Class: "Glaucoma", Confidence: 0.7}},
		},
		Duplicates: []usecase.Diagnosis{{
			RequestID: "req-1",
			Mode:      aggregator.ModeSingleEye,
			Outcome:   aggregator.Outcome{Mode: aggregator.ModeSingleEye, Single: &aggregator.Prediction{Class: "Normal", Confidence: 0.6}},
		}},
	}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/result/req-2/duplicates", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if svc.gotUserID != "user-123" || svc.gotRequestID != "req-2" {
		t.Fatalf("unexpected service call: user=%s request=%s", svc.gotUserID, svc.gotRequestID)
	}

	var payload struct {
		Request struct {
			RequestID string `json:"request_id"`
		} `json:"request"`
		Duplicates []struct {
			RequestID string `json:"request_id"`
		} `json:"duplicates"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Request.RequestID != "req-2" || len(payload.Duplicates) != 1 || payload.Duplicates[0].RequestID != "req-1" {
		t.Fatalf("unexpected payload: %s", resp.Body.String())
	}
}

func TestDuplicatesUnknownRequest(t *testing.T) {
	router := newTestRouter(t, &stubService{err: usecase.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet, "/result/missing/duplicates", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestHistoryPassesPagination(t *testing.T) {
	svc := &stubService{history: &usecase.HistoryPage{Window: pagination.Paginate(0, 2, 5)}}
	router := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/history?page=2&per_page=5", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if svc.gotPage != [2]int{2, 5} {
		t.Fatalf("unexpected pagination %v", svc.gotPage)
	}

	req = httptest.NewRequest(http.MethodGet, "/history?page=two", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestConditionsArePublic(t *testing.T) {
	router := newTestRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/conditions?per_page=2", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	var payload struct {
		Items      []catalog.Condition `json:"items"`
		Pagination pagination.Window   `json:"pagination"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Items) != 2 || payload.Pagination.PerPage != 2 {
		t.Fatalf("unexpected page: %+v", payload)
	}

	req = httptest.NewRequest(http.MethodGet, "/conditions/glaucoma", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/conditions/unknown", nil)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestHealthReflectsChecker(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	checker := stubChecker{report: healthcheck.Report{Status: healthcheck.StatusDown, Checks: map[string]string{"redis": healthcheck.StatusDown}}}
	RegisterRoutes(router, &stubService{}, nil, checker, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
