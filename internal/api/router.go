package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/api/handler"
	"github.com/kotaro-t/mirage/internal/api/middleware"
	"github.com/kotaro-t/mirage/internal/comfy"
	"github.com/kotaro-t/mirage/internal/logger"
	"github.com/kotaro-t/mirage/internal/queue"
	"github.com/kotaro-t/mirage/internal/service"
	"github.com/kotaro-t/mirage/internal/storage"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Generator     *service.Generator
	Queue         *queue.Queue
	Store         storage.Store
	Comfy         *comfy.Client
	Log           *logger.Logger
	HealthTimeout time.Duration
	CORS          middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps, mode string) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(middleware.CORS(deps.CORS))

	imagineHandler := handler.NewImagineHandler(deps.Generator)
	jobHandler := handler.NewJobHandler(deps.Queue)
	imageHandler := handler.NewImageHandler(deps.Store)
	comfyHandler := handler.NewComfyHandler(deps.Comfy)
	healthHandler := handler.NewHealthHandler(deps.Comfy, deps.HealthTimeout)

	api := r.Group("/api")
	{
		// Generation
		api.POST("/imagine", imagineHandler.Imagine)

		// Jobs
		api.GET("/jobs", jobHandler.ListJobs)
		api.GET("/jobs/:id", jobHandler.GetJob)

		// Artifacts
		api.GET("/images/:filename", imageHandler.GetImage)

		// Health
		api.GET("/health", healthHandler.Health)

		// Backend passthrough
		api.GET("/comfyui/queue", comfyHandler.GetQueue)
		api.POST("/comfyui/interrupt", comfyHandler.Interrupt)
		api.GET("/comfyui/models", comfyHandler.GetModels)
	}

	return r
}
