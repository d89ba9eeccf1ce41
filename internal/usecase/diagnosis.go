package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/archive"
	"github.com/example/deepsight/internal/imageprocessor"
	"github.com/example/deepsight/internal/inference"
	"github.com/example/deepsight/internal/logging"
	"github.com/example/deepsight/internal/report"
	"github.com/example/deepsight/internal/repository"
)

var (
	// ErrNoDetections means the model found nothing to diagnose in the image.
	ErrNoDetections = errors.New("no eyes detected, please upload a clear image")
	// ErrNotFound means the diagnosis does not exist or belongs to another user.
	ErrNotFound = errors.New("diagnosis not found")
	// ErrProcessing means the diagnosis has been accepted but is not finished.
	ErrProcessing = errors.New("diagnosis is still processing")
	// ErrInference means the detection service failed or answered garbage.
	ErrInference = errors.New("inference service unavailable")
)

const (
	processingTTL = time.Minute
	resultTTL     = 5 * time.Minute
)

// DiagnosisRepository defines the persistence operations needed by the use case.
type DiagnosisRepository interface {
	SaveRecord(ctx context.Context, record *repository.DiagnosisRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.DiagnosisRecord, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]repository.DiagnosisRecord, int64, error)
	FindDuplicatesByHash(ctx context.Context, userID, sha1, excludeRequestID string) ([]repository.DiagnosisRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	RecentTopConfidences(ctx context.Context, limit int) ([]float64, error)
}

// ReportRenderer turns a diagnosis into a PDF document.
type ReportRenderer interface {
	Render(in report.Input) ([]byte, error)
}

// DiagnosisUseCase encapsulates business logic for the diagnosis flow.
type DiagnosisUseCase struct {
	repo           DiagnosisRepository
	cache          Cache
	detector       inference.Client
	renderer       ReportRenderer
	archive        archive.Store
	archivePrefix  string
	logger         *zap.Logger
	imageMaxSide   int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// Option customises a DiagnosisUseCase.
type Option func(*DiagnosisUseCase)

// WithArchive copies every generated report to store under prefix.
func WithArchive(store archive.Store, prefix string) Option {
	return func(uc *DiagnosisUseCase) {
		uc.archive = store
		uc.archivePrefix = prefix
	}
}

// WithImageMaxSide bounds the longest side of images sent for inference.
func WithImageMaxSide(px int) Option {
	return func(uc *DiagnosisUseCase) {
		if px > 0 {
			uc.imageMaxSide = px
		}
	}
}

// Diagnosis is the result of one diagnosis request.
type Diagnosis struct {
	RequestID       string             `json:"request_id"`
	UserID          string             `json:"-"`
	Mode            aggregator.Mode    `json:"mode"`
	Outcome         aggregator.Outcome `json:"outcome"`
	ImageWidth      int                `json:"image_width"`
	ImageHeight     int                `json:"image_height"`
	PredictionCount int                `json:"prediction_count"`
	LatencyMs       int64              `json:"latency_ms"`
	CreatedAt       time.Time          `json:"created_at"`
}

type cachedDiagnosis struct {
	RequestID       string             `json:"request_id"`
	UserID          string             `json:"user_id"`
	Mode            aggregator.Mode    `json:"mode"`
	Outcome         aggregator.Outcome `json:"outcome"`
	ImageWidth      int                `json:"image_width"`
	ImageHeight     int                `json:"image_height"`
	PredictionCount int                `json:"prediction_count"`
	LatencyMs       int64              `json:"latency_ms"`
	CreatedAt       time.Time          `json:"created_at"`
}

// NewDiagnosisUseCase constructs a new use case instance.
func NewDiagnosisUseCase(repo DiagnosisRepository, cache Cache, detector inference.Client, renderer ReportRenderer, logger *zap.Logger, opts ...Option) *DiagnosisUseCase {
	uc := &DiagnosisUseCase{
		repo:           repo,
		cache:          cache,
		detector:       detector,
		renderer:       renderer,
		logger:         logger.Named("diagnosis_usecase"),
		imageMaxSide:   1280,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Diagnose prepares the image, runs inference, aggregates the predictions per
// eye and persists the outcome.
func (uc *DiagnosisUseCase) Diagnose(ctx context.Context, userID string, mode aggregator.Mode, imageBytes []byte) (*Diagnosis, error) {
	started := uc.now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.diagnose", requestID)

	prepared, err := imageprocessor.Prepare(imageBytes, uc.imageMaxSide)
	if err != nil {
		opLogger.Info("rejected upload", zap.Error(err))
		return nil, logging.NewOperationError("usecase.prepare_image", requestID, err)
	}

	key := cacheKey(requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, processingMarker(userID), processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	detection, err := uc.detector.Detect(ctx, requestID, prepared.Data)
	if err != nil {
		uc.clearProcessing(ctx, requestID)
		wrapped := logging.NewOperationError("usecase.detect", requestID, fmt.Errorf("%w: %w", ErrInference, err))
		opLogger.Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}
	if detection.ImageWidth <= 0 {
		detection.ImageWidth = prepared.Width
	}
	if detection.ImageHeight <= 0 {
		detection.ImageHeight = prepared.Height
	}
	if len(detection.Predictions) == 0 {
		uc.clearProcessing(ctx, requestID)
		opLogger.Info("no predictions returned")
		return nil, logging.NewOperationError("usecase.aggregate", requestID, ErrNoDetections)
	}

	outcome := aggregator.Aggregate(*detection, mode)

	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		uc.clearProcessing(ctx, requestID)
		return nil, logging.NewOperationError("usecase.encode_outcome", requestID, err)
	}
	predictionsJSON, err := json.Marshal(detection.Predictions)
	if err != nil {
		uc.clearProcessing(ctx, requestID)
		return nil, logging.NewOperationError("usecase.encode_predictions", requestID, err)
	}

	createdAt := uc.now().UTC()
	record := &repository.DiagnosisRecord{
		RequestID:       requestID,
		UserID:          userID,
		Mode:            string(outcome.Mode),
		ImageWidth:      detection.ImageWidth,
		ImageHeight:     detection.ImageHeight,
		ImageSHA1:       prepared.SHA1,
		Image:           prepared.Data,
		PredictionCount: len(detection.Predictions),
		TopConfidence:   topConfidence(detection.Predictions),
		Outcome:         string(outcomeJSON),
		Predictions:     string(predictionsJSON),
		LatencyMs:       createdAt.Sub(started).Milliseconds(),
		CreatedAt:       createdAt,
	}
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		uc.clearProcessing(ctx, requestID)
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist diagnosis", zap.Error(wrapped))
		return nil, wrapped
	}

	diagnosis := &Diagnosis{
		RequestID:       requestID,
		UserID:          userID,
		Mode:            outcome.Mode,
		Outcome:         outcome,
		ImageWidth:      record.ImageWidth,
		ImageHeight:     record.ImageHeight,
		PredictionCount: record.PredictionCount,
		LatencyMs:       record.LatencyMs,
		CreatedAt:       createdAt,
	}

	serialized, err := json.Marshal(cachedDiagnosis(*diagnosis))
	if err != nil {
		opLogger.Error("failed to serialize diagnosis", zap.Error(err))
		return nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), resultTTL)
	}); err != nil {
		// The record is already persisted; readers fall back to the database
		// once the processing flag expires.
		opLogger.Warn("failed to cache diagnosis", zap.Error(err))
	}

	opLogger.Info("diagnosis completed",
		zap.String("mode", string(outcome.Mode)),
		zap.Int("predictions", record.PredictionCount),
		zap.Int64("latency_ms", record.LatencyMs))
	return diagnosis, nil
}

// GetResult retrieves a cached diagnosis or loads it from persistence.
func (uc *DiagnosisUseCase) GetResult(ctx context.Context, userID, requestID string) (*Diagnosis, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID)); err == nil {
		if isProcessingMarker(cached) {
			if cached == processingMarker(userID) {
				return nil, ErrProcessing
			}
			return nil, ErrNotFound
		}

		var payload cachedDiagnosis
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else if payload.UserID != userID {
			return nil, ErrNotFound
		} else {
			d := Diagnosis(payload)
			return &d, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.findRecord(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	return diagnosisFromRecord(record)
}

func (uc *DiagnosisUseCase) findRecord(ctx context.Context, userID, requestID string) (*repository.DiagnosisRecord, error) {
	record, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (uc *DiagnosisUseCase) clearProcessing(ctx context.Context, requestID string) {
	if err := uc.cache.Delete(ctx, cacheKey(requestID)); err != nil {
		logging.WithOperation(uc.logger, "cache.delete.processing", requestID).Warn("failed to clear processing flag", zap.Error(err))
	}
}

func (uc *DiagnosisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	attempts := uc.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *DiagnosisUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("diagnosis:%s", requestID)
}

const processingPrefix = "processing:"

func processingMarker(userID string) string {
	return processingPrefix + userID
}

func isProcessingMarker(value string) bool {
	return strings.HasPrefix(value, processingPrefix)
}

func topConfidence(predictions []aggregator.Prediction) float64 {
	var top float64
	for _, p := range predictions {
		if p.Confidence > top {
			top = p.Confidence
		}
	}
	return top
}

func diagnosisFromRecord(record *repository.DiagnosisRecord) (*Diagnosis, error) {
	var outcome aggregator.Outcome
	if err := json.Unmarshal([]byte(record.Outcome), &outcome); err != nil {
		return nil, logging.NewOperationError("usecase.decode_outcome", record.RequestID, err)
	}
	return &Diagnosis{
		RequestID:       record.RequestID,
		UserID:          record.UserID,
		Mode:            aggregator.Mode(record.Mode),
		Outcome:         outcome,
		ImageWidth:      record.ImageWidth,
		ImageHeight:     record.ImageHeight,
		PredictionCount: record.PredictionCount,
		LatencyMs:       record.LatencyMs,
		CreatedAt:       record.CreatedAt,
	}, nil
}
