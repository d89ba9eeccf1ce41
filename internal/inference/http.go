package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/logging"
)

const (
	// FormatBase64 posts the image as a base64 form body, the convention of
	// hosted detection APIs.
	FormatBase64 = "base64"
	// FormatMultipart posts the image as a multipart "image" field.
	FormatMultipart = "multipart"

	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

// Options configures an HTTPClient.
type Options struct {
	URL           string
	APIKey        string
	Format        string
	Confidence    int
	Overlap       int
	Timeout       time.Duration
	RetryAttempts int
	HTTPClient    *http.Client
}

// HTTPClient calls a detection endpoint over HTTP.
type HTTPClient struct {
	endpoint       *url.URL
	apiKey         string
	format         string
	confidence     int
	overlap        int
	httpClient     *http.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewHTTPClient validates opts and returns a ready client.
func NewHTTPClient(opts Options, logger *zap.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("inference url is required")
	}
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse inference url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("inference url must be http or https, got %q", endpoint.Scheme)
	}

	format := opts.Format
	if format == "" {
		format = FormatBase64
	}
	if format != FormatBase64 && format != FormatMultipart {
		return nil, fmt.Errorf("unknown inference format %q", format)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	attempts := opts.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &HTTPClient{
		endpoint:       endpoint,
		apiKey:         opts.APIKey,
		format:         format,
		confidence:     opts.Confidence,
		overlap:        opts.Overlap,
		httpClient:     httpClient,
		logger:         logger.Named("inference"),
		retryAttempts:  attempts,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}, nil
}

// Detect sends image to the detection endpoint and decodes the predictions.
func (c *HTTPClient) Detect(ctx context.Context, requestID string, image []byte) (*aggregator.DetectionResult, error) {
	var body []byte
	err := c.withRetry(ctx, requestID, func() error {
		var err error
		body, err = c.post(ctx, image)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := validateResponse(body); err != nil {
		wrapped := logging.NewOperationError("inference.validate_response", requestID, err)
		c.logger.Error("unexpected inference response", zap.Error(wrapped))
		return nil, wrapped
	}

	result, err := decodeResponse(body)
	if err != nil {
		return nil, logging.NewOperationError("inference.decode_response", requestID, err)
	}
	return result, nil
}

func (c *HTTPClient) post(ctx context.Context, image []byte) ([]byte, error) {
	req, err := c.newRequest(ctx, image)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read inference response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, image []byte) (*http.Request, error) {
	target := *c.endpoint

	if c.format == FormatMultipart {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="image"; filename="image.jpg"`)
		header.Set("Content-Type", "image/jpeg")
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(image); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}
		return req, nil
	}

	query := target.Query()
	if c.apiKey != "" {
		query.Set("api_key", c.apiKey)
	}
	if c.confidence > 0 {
		query.Set("confidence", strconv.Itoa(c.confidence))
	}
	if c.overlap > 0 {
		query.Set("overlap", strconv.Itoa(c.overlap))
	}
	target.RawQuery = query.Encode()

	encoded := base64.StdEncoding.EncodeToString(image)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *HTTPClient) withRetry(ctx context.Context, requestID string, fn func() error) error {
	const operation = "inference.detect"
	opLogger := logging.WithOperation(c.logger, operation, requestID)

	backoff := c.initialBackoff
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= c.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("inference call succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == c.retryAttempts-1 {
			opLogger.Error("inference call failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient inference error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// flexNumber accepts both JSON numbers and numeric strings; some detection
// APIs report image dimensions as strings.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", raw)
	}
	*n = flexNumber(v)
	return nil
}

type wireResponse struct {
	Image struct {
		Width  flexNumber `json:"width"`
		Height flexNumber `json:"height"`
	} `json:"image"`
	Predictions []aggregator.Prediction `json:"predictions"`
}

func decodeResponse(body []byte) (*aggregator.DetectionResult, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	predictions := wire.Predictions
	if predictions == nil {
		predictions = []aggregator.Prediction{}
	}
	return &aggregator.DetectionResult{
		ImageWidth:  int(wire.Image.Width),
		ImageHeight: int(wire.Image.Height),
		Predictions: predictions,
	}, nil
}
