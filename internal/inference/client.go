// Package inference talks to the remote detection API.
package inference

import (
	"context"
	"fmt"

	"github.com/example/deepsight/internal/aggregator"
)

// Client exposes the subset of functionality used by the diagnosis flow.
type Client interface {
	Detect(ctx context.Context, requestID string, image []byte) (*aggregator.DetectionResult, error)
}

// StatusError is returned when the detection API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference api returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary marks gateway errors and throttling as retryable.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// SchemaError is returned when the response does not have the expected shape.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("inference response failed validation: %v", e.Violations)
}
