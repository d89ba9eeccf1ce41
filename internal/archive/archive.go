// Package archive stores generated reports outside the database.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Store persists an object and returns its location.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// GCSStore writes objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore connects to GCS. An empty credentialsFile uses the default
// application credentials.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads data to key and returns its gs:// URL.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gs://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// ReportKey builds the object key of a report: <prefix>/<user>/<request>.pdf.
// Path separators in the ids are replaced so a caller cannot escape its prefix.
func ReportKey(prefix, userID, requestID string) string {
	clean := func(s string) string {
		s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
		if s == "" {
			return "_"
		}
		return s
	}
	return path.Join(strings.Trim(prefix, "/"), clean(userID), clean(requestID)+".pdf")
}
