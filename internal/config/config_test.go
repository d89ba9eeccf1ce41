package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INFERENCE_URL", "https://detect.example.com/eyes/3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, "base64", cfg.Inference.Format)
	require.Equal(t, 40, cfg.Inference.Confidence)
	require.Equal(t, 3, cfg.Inference.RetryAttempts)
	require.True(t, cfg.AuthRequired)
	require.Equal(t, "reports", cfg.ReportPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("INFERENCE_FORMAT", "Multipart")
	t.Setenv("INFERENCE_TIMEOUT", "5s")
	t.Setenv("AUTH_REQUIRED", "false")
	t.Setenv("REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, "multipart", cfg.Inference.Format)
	require.Equal(t, 5*time.Second, cfg.Inference.Timeout)
	require.False(t, cfg.AuthRequired)
	require.Equal(t, 2, cfg.RedisDB)
}

func TestLoadReportsEveryMalformedValue(t *testing.T) {
	t.Setenv("REDIS_DB", "two")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")
	t.Setenv("LOG_DEVELOPMENT", "maybe")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "REDIS_DB")
	require.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
	require.Contains(t, err.Error(), "LOG_DEVELOPMENT")
}

func TestValidateRejectsBadInference(t *testing.T) {
	t.Setenv("INFERENCE_FORMAT", "grpc")
	t.Setenv("INFERENCE_CONFIDENCE", "140")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "INFERENCE_FORMAT")
	require.Contains(t, err.Error(), "INFERENCE_CONFIDENCE")
}
