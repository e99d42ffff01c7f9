package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/service-portal-api/internal/handler"
	"github.com/noah-isme/service-portal-api/internal/middleware"
	"github.com/noah-isme/service-portal-api/internal/service"
	"github.com/noah-isme/service-portal-api/pkg/config"
	"github.com/noah-isme/service-portal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/service-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/service-portal-api/pkg/middleware/requestid"
)

type routerDeps struct {
	auth        middleware.TokenValidator
	metrics     *service.MetricsService
	submissions *handler.SubmissionHandler
	reports     *handler.ReportHandler
	documents   *handler.DocumentHandler
	forms       *handler.FormHandler
	ops         *handler.MetricsHandler
}

func newRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", deps.ops.Health)
	r.GET("/ready", deps.ops.Ready)
	r.GET("/metrics", deps.ops.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	api.GET("/documents/:key/download", middleware.OptionalJWT(deps.auth), deps.documents.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.auth))

	secured.GET("/forms", deps.forms.List)
	secured.GET("/forms/:formType", deps.forms.Describe)

	submissions := secured.Group("/submissions")
	submissions.GET("", middleware.RequireStaff(), deps.submissions.List)
	submissions.GET("/export", middleware.RequireStaff(), middleware.Audit(logr, "export", "submission"), deps.submissions.Export)
	submissions.POST("", middleware.RequireCustomer(), middleware.Audit(logr, "create", "submission"), deps.submissions.Create)
	submissions.GET("/mine", middleware.RequireCustomer(), deps.submissions.Mine)
	submissions.GET("/:id", deps.submissions.Get)
	submissions.PUT("/:id/payload", middleware.RequireCustomer(), middleware.Audit(logr, "edit", "submission"), deps.submissions.UpdatePayload)
	submissions.PATCH("/:id/status", middleware.RequireStaff(), middleware.Audit(logr, "status", "submission"), deps.submissions.UpdateStatus)

	submissions.POST("/:id/reports", middleware.RequireStaff(), middleware.Audit(logr, "create", "report"), deps.reports.Create)
	submissions.GET("/:id/reports", deps.reports.List)

	submissions.POST("/:id/documents", middleware.Audit(logr, "upload", "document"), deps.documents.Upload)
	submissions.GET("/:id/documents", deps.documents.List)
	submissions.GET("/:id/documents/archive", deps.documents.Archive)

	return r
}
