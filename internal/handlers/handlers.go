package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/auth"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/healthcheck"
	"github.com/example/deepsight/internal/imageprocessor"
	"github.com/example/deepsight/internal/usecase"
)

// MaxUploadSize bounds the accepted image size.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and form fields around the image.
const multipartOverhead = 1 << 20

// DiagnosisService is the use case surface served over HTTP.
type DiagnosisService interface {
	Diagnose(ctx context.Context, userID string, mode aggregator.Mode, imageBytes []byte) (*usecase.Diagnosis, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Diagnosis, error)
	BuildReport(ctx context.Context, userID, requestID string) (*usecase.Report, error)
	GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error)
	ListHistory(ctx context.Context, userID string, page, perPage int) (*usecase.HistoryPage, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) healthcheck.Report
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc DiagnosisService, cat *catalog.Catalog, checker HealthChecker, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": healthcheck.StatusUp})
			return
		}
		report := checker.Check(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	registerCatalogRoutes(router, cat)

	protected := router.Group("/")
	if authMiddleware != nil {
		protected.Use(authMiddleware)
	}

	protected.POST("/predict", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		data, ok := readUpload(c)
		if !ok {
			return
		}

		mode, err := aggregator.ParseMode(c.PostForm("eye_count"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		diagnosis, err := svc.Diagnose(c.Request.Context(), userID, mode, data)
		if err != nil {
			writeDiagnosisError(c, err)
			return
		}

		c.JSON(http.StatusOK, newDiagnosisResponse(diagnosis, cat))
	})

	protected.GET("/result/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		diagnosis, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeDiagnosisError(c, err)
			return
		}

		c.JSON(http.StatusOK, newDiagnosisResponse(diagnosis, cat))
	})

	protected.GET("/result/:id/report", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		rep, err := svc.BuildReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeDiagnosisError(c, err)
			return
		}

		if rep.Location != "" {
			c.Header("X-Report-Location", rep.Location)
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Filename))
		c.Data(http.StatusOK, "application/pdf", rep.Data)
	})

	protected.GET("/result/:id/duplicates", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		dup, err := svc.GetDuplicateReport(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeDiagnosisError(c, err)
			return
		}

		duplicates := make([]diagnosisResponse, 0, len(dup.Duplicates))
		for i := range dup.Duplicates {
			duplicates = append(duplicates, newDiagnosisResponse(&dup.Duplicates[i], cat))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":    newDiagnosisResponse(dup.Request, cat),
			"duplicates": duplicates,
		})
	})

	protected.GET("/history", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		page, perPage, ok := pageParams(c)
		if !ok {
			return
		}

		history, err := svc.ListHistory(c.Request.Context(), userID, page, perPage)
		if err != nil {
			writeDiagnosisError(c, err)
			return
		}

		items := make([]diagnosisResponse, 0, len(history.Items))
		for i := range history.Items {
			items = append(items, newDiagnosisResponse(&history.Items[i], cat))
		}
		c.JSON(http.StatusOK, gin.H{"items": items, "pagination": history.Window})
	})

	protected.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

// readUpload returns the bytes of the "image" form file, writing the error
// response itself when the upload is missing, too large or not an image.
func readUpload(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}

	if _, err := imageprocessor.Sniff(data); err != nil {
		writeDiagnosisError(c, err)
		return nil, false
	}
	return data, true
}

func writeDiagnosisError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, imageprocessor.ErrEmptyImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, imageprocessor.ErrImageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image dimensions exceed limit"})
	case errors.Is(err, imageprocessor.ErrUnsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
	case errors.Is(err, usecase.ErrNoDetections):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Please upload a clear image"})
	case errors.Is(err, usecase.ErrProcessing):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrInference):
		c.JSON(http.StatusBadGateway, gin.H{"error": "inference service unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pageParams(c *gin.Context) (int, int, bool) {
	page, err := queryInt(c, "page")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a number"})
		return 0, 0, false
	}
	perPage, err := queryInt(c, "per_page")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "per_page must be a number"})
		return 0, 0, false
	}
	return page, perPage, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
