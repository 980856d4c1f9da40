package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/application/assembler"
	"github.com/bryanwahyu/vulnreport/internal/application/findings"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	"github.com/bryanwahyu/vulnreport/internal/application/reports"
	"github.com/bryanwahyu/vulnreport/internal/config"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/ocr"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/openai"
	"github.com/bryanwahyu/vulnreport/internal/infra/db"
	"github.com/bryanwahyu/vulnreport/internal/infra/httpserver"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
	minioStore "github.com/bryanwahyu/vulnreport/internal/infra/storage"
	"github.com/bryanwahyu/vulnreport/internal/middleware"
	"github.com/bryanwahyu/vulnreport/internal/observability"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	observability.InitializeLogger(cfg.Logger)
	defer observability.Sync()
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, repo, err := db.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("storage init error", zap.Error(err))
	}
	defer conn.Close()

	var artifacts report.ArtifactStore
	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx, cfg.Minio)
		if err != nil {
			logger.Fatal("minio init error", zap.Error(err))
		}
		artifacts = store
	}

	ocrClient, err := ocr.FromConfig(cfg.OCR, cfg.Model)
	if err != nil {
		logger.Fatal("ocr init error", zap.Error(err))
	}

	clock := application.SystemClock{}
	codec := imagecodec.New(cfg.Images.MaxBytes)
	model := openai.NewClient(cfg.Model)
	orch := generation.New(model, cfg.Generation, logger,
		generation.WithObserver(func(_ string, r generation.Result) {
			middleware.RecordGeneration(string(r.State))
		}))

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Capacity > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate)
		defer limiter.Close()
	}

	handler := httpserver.NewRouter(httpserver.Deps{
		Findings:  findings.NewService(orch, ocrClient, codec, clock, logger),
		Reports:   reports.NewService(repo, artifacts, reports.NewMapper(codec), clock, logger),
		Assembler: assembler.New(orch, clock, logger),
		Logger:    logger,
		Health: map[string]middleware.HealthChecker{
			"database": &middleware.DatabaseHealthChecker{DB: conn},
		},
		APIKeys:        cfg.Auth.APIKeys,
		Limiter:        limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxUpload:      int64(cfg.Images.MaxBytes) * 2,
		MaxCombine:     cfg.Server.MaxCombineBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: generation responses stream for minutes
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", addr),
			zap.String("model", cfg.Model.Name),
			zap.String("storage", cfg.Storage.Driver),
			zap.Bool("ocr", ocrClient != nil),
			zap.Bool("export", artifacts != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
