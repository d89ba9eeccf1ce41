package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/deepsight/internal/archive"
	"github.com/example/deepsight/internal/auth"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/config"
	"github.com/example/deepsight/internal/handlers"
	"github.com/example/deepsight/internal/healthcheck"
	"github.com/example/deepsight/internal/inference"
	"github.com/example/deepsight/internal/report"
	"github.com/example/deepsight/internal/repository"
	"github.com/example/deepsight/internal/telegram"
	"github.com/example/deepsight/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()

	db := initDatabase(initCtx, cfg, logger)
	repo := repository.NewDiagnosisRepository(db, logger)
	if err := repo.AutoMigrate(initCtx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(initCtx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)
	defer redisClient.Close()

	detector, err := newDetector(cfg, logger)
	if err != nil {
		logger.Fatal("invalid inference configuration", zap.Error(err))
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Fatal("failed to load condition catalog", zap.Error(err), zap.String("path", cfg.CatalogPath))
	}

	opts := []usecase.Option{usecase.WithImageMaxSide(cfg.ImageMaxSide)}
	if cfg.ReportBucket != "" {
		store, err := archive.NewGCSStore(initCtx, cfg.ReportBucket, cfg.GCPCredentialsFile)
		if err != nil {
			logger.Fatal("failed to open report bucket", zap.Error(err), zap.String("bucket", cfg.ReportBucket))
		}
		defer store.Close()
		opts = append(opts, usecase.WithArchive(store, cfg.ReportPrefix))
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewDiagnosisUseCase(repo, cache, detector, report.NewRenderer(cat), logger, opts...)

	checker := healthcheck.NewChecker(2*time.Second, logger)
	checker.Register("database", func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})
	checker.Register("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	go checker.Watch(ctx, 15*time.Second)

	if cfg.GRPCHealthAddr != "" {
		listener, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.Error(err), zap.String("addr", cfg.GRPCHealthAddr))
		}
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCHealthAddr))
		go func() {
			if err := healthcheck.Serve(ctx, listener, checker, logger); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
	}

	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken, uc, cat, logger)
		if err != nil {
			logger.Fatal("failed to start telegram bot", zap.Error(err))
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				logger.Error("telegram bot stopped", zap.Error(err))
			}
		}()
	}

	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience, cfg.AuthRequired).Middleware()
	handlers.RegisterRoutes(r, uc, cat, checker, authMiddleware)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("deepsight API listening", zap.String("addr", cfg.HTTPAddr))
	return serveHTTPServer(server, cfg.ShutdownTimeout, logger)
}

func newDetector(cfg *config.Config, logger *zap.Logger) (*inference.HTTPClient, error) {
	return inference.NewHTTPClient(inference.Options{
		URL:           cfg.Inference.URL,
		APIKey:        cfg.Inference.APIKey,
		Format:        cfg.Inference.Format,
		Confidence:    cfg.Inference.Confidence,
		Overlap:       cfg.Inference.Overlap,
		Timeout:       cfg.Inference.Timeout,
		RetryAttempts: cfg.Inference.RetryAttempts,
	}, logger)
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	level := gormlogger.Warn
	if cfg.LogDevelopment {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
