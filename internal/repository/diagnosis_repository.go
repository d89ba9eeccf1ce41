package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/deepsight/internal/logging"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("diagnosis record not found")

// DiagnosisRecord is one persisted diagnosis request.
type DiagnosisRecord struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID          string    `gorm:"column:user_id;index;size:64"`
	Mode            string    `gorm:"column:mode;size:16"`
	ImageWidth      int       `gorm:"column:image_width"`
	ImageHeight     int       `gorm:"column:image_height"`
	ImageSHA1       string    `gorm:"column:image_sha1;index;size:40"`
	Image           []byte    `gorm:"column:image;type:bytea"`
	PredictionCount int       `gorm:"column:prediction_count"`
	TopConfidence   float64   `gorm:"column:top_confidence"`
	Outcome         string    `gorm:"column:outcome;type:text"`
	Predictions     string    `gorm:"column:predictions;type:text"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (DiagnosisRecord) TableName() string {
	return "diagnosis_records"
}

// MetricsAggregation carries the SQL-side totals used by the metrics summary.
type MetricsAggregation struct {
	TotalCount                 int64
	SingleEyeCount             int64
	TwoEyesCount               int64
	AverageProcessingLatencyMs float64
}

// DiagnosisRepository provides persistence APIs for diagnosis records.
type DiagnosisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDiagnosisRepository creates a new repository instance.
func NewDiagnosisRepository(db *gorm.DB, logger *zap.Logger) *DiagnosisRepository {
	return &DiagnosisRepository{
		db:             db,
		logger:         logger.Named("diagnosis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DiagnosisRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&DiagnosisRecord{})
	})
}

// SaveRecord persists a diagnosis record.
func (r *DiagnosisRepository) SaveRecord(ctx context.Context, record *DiagnosisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestIDAndUser retrieves a record, including the stored image,
// matching the request and owner.
func (r *DiagnosisRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*DiagnosisRecord, error) {
	var record DiagnosisRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		err := r.db.WithContext(ctx).First(&record, "request_id = ? AND user_id = ?", requestID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByUser returns a page of the user's records, newest first, without image bytes.
func (r *DiagnosisRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]DiagnosisRecord, int64, error) {
	var (
		records []DiagnosisRecord
		total   int64
	)
	err := r.executeWithRetry(ctx, "repository.list_by_user", "", func() error {
		base := r.db.WithContext(ctx).Model(&DiagnosisRecord{}).Where("user_id = ?", userID)
		if err := base.Count(&total).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).
			Omit("image").
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Offset(offset).
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// FindDuplicatesByHash returns the user's other records of the same photo,
// newest first, without image bytes.
func (r *DiagnosisRepository) FindDuplicatesByHash(ctx context.Context, userID, sha1, excludeRequestID string) ([]DiagnosisRecord, error) {
	var records []DiagnosisRecord
	if sha1 == "" {
		return records, nil
	}
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Omit("image").
			Where("user_id = ? AND image_sha1 = ? AND request_id <> ?", userID, sha1, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics computes request totals and the mean processing latency.
func (r *DiagnosisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DiagnosisRecord{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN mode = ? THEN 1 ELSE 0 END), 0) AS single_eye_count,
				COALESCE(SUM(CASE WHEN mode = ? THEN 1 ELSE 0 END), 0) AS two_eyes_count,
				COALESCE(AVG(latency_ms), 0) AS average_processing_latency_ms`, "single_eye", "two_eyes").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// RecentTopConfidences returns the best confidence of the latest limit records.
func (r *DiagnosisRepository) RecentTopConfidences(ctx context.Context, limit int) ([]float64, error) {
	var values []float64
	err := r.executeWithRetry(ctx, "repository.recent_top_confidences", "", func() error {
		return r.db.WithContext(ctx).
			Model(&DiagnosisRecord{}).
			Order("created_at DESC").
			Limit(limit).
			Pluck("top_confidence", &values).Error
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// executeWithRetry runs fn, retrying transient failures with exponential
// backoff. ErrNotFound is returned unwrapped.
func (r *DiagnosisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}

		if !logging.IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
