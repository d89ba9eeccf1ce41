// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of the service.
type Config struct {
	HTTPAddr        string
	GRPCHealthAddr  string
	ShutdownTimeout time.Duration

	LogLevel       string
	LogDevelopment bool

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret    string
	JWTAudience  string
	AuthRequired bool

	Inference Inference

	ImageMaxSide int

	ReportBucket       string
	ReportPrefix       string
	GCPCredentialsFile string

	TelegramToken string
	CatalogPath   string
}

// Inference configures the remote detection API.
type Inference struct {
	URL           string
	APIKey        string
	Format        string
	Confidence    int
	Overlap       int
	Timeout       time.Duration
	RetryAttempts int
}

// Load reads an optional .env file and then the process environment. All
// malformed values are reported in a single error.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		GRPCHealthAddr:  os.Getenv("GRPC_HEALTH_ADDR"),
		ShutdownTimeout: p.durationVal("SHUTDOWN_TIMEOUT", 15*time.Second),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: p.boolVal("LOG_DEVELOPMENT", false),

		DatabaseDSN:   getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=deepsight port=5432 sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.intVal("REDIS_DB", 0),

		JWTSecret:    getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:  os.Getenv("JWT_AUDIENCE"),
		AuthRequired: p.boolVal("AUTH_REQUIRED", true),

		Inference: Inference{
			URL:           os.Getenv("INFERENCE_URL"),
			APIKey:        os.Getenv("INFERENCE_API_KEY"),
			Format:        strings.ToLower(getEnv("INFERENCE_FORMAT", "base64")),
			Confidence:    p.intVal("INFERENCE_CONFIDENCE", 40),
			Overlap:       p.intVal("INFERENCE_OVERLAP", 30),
			Timeout:       p.durationVal("INFERENCE_TIMEOUT", 30*time.Second),
			RetryAttempts: p.intVal("INFERENCE_RETRIES", 3),
		},

		ImageMaxSide: p.intVal("IMAGE_MAX_SIDE", 1280),

		ReportBucket:       os.Getenv("REPORT_BUCKET"),
		ReportPrefix:       getEnv("REPORT_PREFIX", "reports"),
		GCPCredentialsFile: os.Getenv("GCP_CREDENTIALS_FILE"),

		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		CatalogPath:   os.Getenv("CATALOG_PATH"),
	}

	if err := p.joined(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Inference.Format {
	case "base64", "multipart":
	default:
		errs = append(errs, fmt.Errorf("INFERENCE_FORMAT must be base64 or multipart, got %q", c.Inference.Format))
	}
	if c.Inference.Confidence < 0 || c.Inference.Confidence > 100 {
		errs = append(errs, fmt.Errorf("INFERENCE_CONFIDENCE must be within 0..100, got %d", c.Inference.Confidence))
	}
	if c.Inference.Overlap < 0 || c.Inference.Overlap > 100 {
		errs = append(errs, fmt.Errorf("INFERENCE_OVERLAP must be within 0..100, got %d", c.Inference.Overlap))
	}
	if c.Inference.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("INFERENCE_RETRIES must be at least 1, got %d", c.Inference.RetryAttempts))
	}
	if c.ImageMaxSide < 64 {
		errs = append(errs, fmt.Errorf("IMAGE_MAX_SIDE must be at least 64, got %d", c.ImageMaxSide))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parser collects conversion errors so Load can report them together.
type parser struct {
	errs []error
}

func (p *parser) intVal(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) boolVal(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) durationVal(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return v
}

func (p *parser) joined() error {
	return errors.Join(p.errs...)
}
