package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/service-portal-api/api/swagger"
	"github.com/noah-isme/service-portal-api/internal/forms"
	"github.com/noah-isme/service-portal-api/internal/handler"
	"github.com/noah-isme/service-portal-api/internal/repository"
	"github.com/noah-isme/service-portal-api/internal/service"
	"github.com/noah-isme/service-portal-api/pkg/cache"
	"github.com/noah-isme/service-portal-api/pkg/config"
	"github.com/noah-isme/service-portal-api/pkg/database"
	"github.com/noah-isme/service-portal-api/pkg/jobs"
	"github.com/noah-isme/service-portal-api/pkg/logger"
	"github.com/noah-isme/service-portal-api/pkg/notify"
	"github.com/noah-isme/service-portal-api/pkg/storage"
)

// @title Service Portal API
// @version 1.0.0
// @description Submission intake, review and filing for the service portal
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const partialSweepInterval = 30 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("postgres unavailable", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, profile cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	blobs, err := storage.NewBlobStore(ctx, cfg.Documents)
	if err != nil {
		logr.Fatal("blob store unavailable", zap.Error(err))
	}
	if local, ok := blobs.(*storage.LocalStorage); ok {
		go sweepPartials(ctx, local, logr)
	}

	publisher := newPublisher(cfg.Notifications, logr)
	defer publisher.Close() //nolint:errcheck

	metrics := service.NewMetricsService()
	validate := validator.New()
	registry := forms.NewRegistry(validate)

	notifications := service.NewNotificationService(publisher, metrics, logr, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		BufferSize: cfg.Notifications.BufferSize,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	notifications.Start(ctx)
	defer notifications.Stop()

	submissionRepo := repository.NewSubmissionRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	reportRepo := repository.NewReportRepository(db)
	userRepo := repository.NewUserRepository(db)

	cacheSvc := service.NewCacheService(repository.NewCacheRepository(redisClient, logr), metrics, cfg.Profiles.CacheTTL, logr, redisClient != nil)
	profiles := service.NewProfileService(userRepo, cacheSvc, cfg.Profiles.CacheTTL, logr)
	authSvc := service.NewAuthService(logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
	})

	submissions := service.NewSubmissionService(submissionRepo, registry, profiles, documentRepo, reportRepo, notifications, validate, metrics, logr)
	edits := service.NewEditGuard(submissionRepo, registry, submissions, metrics, logr)
	documents := service.NewDocumentService(documentRepo, submissionRepo, blobs,
		storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL),
		metrics, logr, service.DocumentServiceConfig{
			MaxFileSize:  cfg.Documents.MaxFileSizeBytes,
			AllowedMIMEs: cfg.Documents.AllowedMIMEs,
			APIPrefix:    cfg.APIPrefix,
		})
	reports := service.NewReportService(reportRepo, submissionRepo, documents, notifications, validate, metrics, logr)
	query := service.NewQueryService(submissionRepo, registry)
	exports := service.NewExportService(submissionRepo, registry, logr, nil, nil)

	checks := map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := newRouter(cfg, logr, routerDeps{
		auth:        authSvc,
		metrics:     metrics,
		submissions: handler.NewSubmissionHandler(submissions, edits, query, exports),
		reports:     handler.NewReportHandler(reports),
		documents:   handler.NewDocumentHandler(documents, logr),
		forms:       handler.NewFormHandler(registry),
		ops:         handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newPublisher(cfg config.NotificationsConfig, logr *zap.Logger) notify.Publisher {
	if cfg.NATSURL == "" {
		return notify.NewLogPublisher(logr)
	}
	publisher, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.SubjectPrefix, logr)
	if err != nil {
		logr.Warn("nats unavailable, logging notifications instead", zap.Error(err))
		return notify.NewLogPublisher(logr)
	}
	return publisher
}

func sweepPartials(ctx context.Context, store *storage.LocalStorage, logr *zap.Logger) {
	ticker := time.NewTicker(partialSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.SweepPartials(partialSweepInterval)
			if err != nil {
				logr.Warn("partial upload sweep failed", zap.Error(err))
				continue
			}
			if len(deleted) > 0 {
				logr.Info("swept partial uploads", zap.Strings("files", deleted))
			}
		}
	}
}
