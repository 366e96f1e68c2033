package api

import (
	"github.com/gin-gonic/gin"

	"github.com/smartmart/vision/internal/api/handler"
	"github.com/smartmart/vision/internal/api/middleware"
	"github.com/smartmart/vision/internal/config"
	"github.com/smartmart/vision/internal/logger"
	"github.com/smartmart/vision/internal/repository"
	"github.com/smartmart/vision/internal/service"
)

// RouterDeps bundles everything the HTTP layer needs.
type RouterDeps struct {
	Recognition *service.RecognitionService
	Builder     *service.BuilderService
	Evaluator   *service.EvaluatorService
	Library     *service.SampleLibrary
	Samples     *repository.SampleRepository
	Logger      *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *RouterDeps, cfg *config.Config) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	maxUpload := cfg.Recognition.MaxUploadBytes
	healthHandler := handler.NewHealthHandler()
	recognitionHandler := handler.NewRecognitionHandler(deps.Recognition, deps.Evaluator, deps.Samples, maxUpload)
	buildHandler := handler.NewBuildHandler(deps.Builder)
	samplesHandler := handler.NewSamplesHandler(deps.Library, maxUpload)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		vision := v1.Group("/vision")
		{
			vision.POST("/recognize", recognitionHandler.Recognize)
			vision.POST("/confirm", recognitionHandler.Confirm)
			vision.GET("/status", recognitionHandler.Status)
			vision.POST("/preload", recognitionHandler.Preload)
			vision.GET("/metrics", recognitionHandler.Metrics)
			vision.GET("/samples", recognitionHandler.ListSamples)

			vision.POST("/build", buildHandler.Build)
			vision.GET("/build_status", buildHandler.BuildStatus)
			vision.POST("/update", buildHandler.Update)
		}

		samples := v1.Group("/samples")
		{
			samples.GET("", samplesHandler.List)
			samples.GET("/:sku_id", samplesHandler.Get)
			samples.POST("/:sku_id/images", samplesHandler.Upload)
			samples.DELETE("/:sku_id/images/:filename", samplesHandler.Delete)
		}
	}

	return r
}
