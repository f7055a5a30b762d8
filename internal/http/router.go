package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/opsrota/ctask-backend/internal/config"
	"github.com/opsrota/ctask-backend/internal/console"
	"github.com/opsrota/ctask-backend/internal/db"
	"github.com/opsrota/ctask-backend/internal/http/handlers"
	"github.com/opsrota/ctask-backend/internal/http/middleware"
	"github.com/opsrota/ctask-backend/internal/service"

	_ "github.com/opsrota/ctask-backend/docs"
)

func Router(cfg config.Config, store *db.Store, assigner *service.Assigner, scheduler *service.Scheduler, audit *console.Audit, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:     store,
		Assigner:  assigner,
		Scheduler: scheduler,
		Console:   audit,
		Validator: validator.New(),
		Logger:    logger,
	}

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.POST("/webhook/ctask-created", h.Webhook)
		api.POST("/find-engineer", h.FindEngineer)
		api.GET("/shift-schedule", h.ShiftSchedule)
		api.GET("/scheduler/status", h.SchedulerStatus)
		api.GET("/console", h.ConsoleOutput)
		api.GET("/engineers", h.EngineersList)
		api.GET("/assignments", h.AssignmentsList)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/ctasks/:number/assign", h.AssignNow)
		admin.POST("/process-pending", h.ProcessPending)
		admin.POST("/scheduler/start", h.SchedulerStart)
		admin.POST("/scheduler/stop", h.SchedulerStop)
		admin.POST("/scheduler/force-check", h.SchedulerForceCheck)
		admin.DELETE("/console", h.ConsoleClear)
		admin.POST("/roster/import", h.RosterImport)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
