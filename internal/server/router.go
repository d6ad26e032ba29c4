package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/handlers"
	"github.com/noetl/noetl/internal/platform/envutil"
)

type RouterConfig struct {
	ExecutionHandler  *handlers.ExecutionHandler
	QueueHandler      *handlers.QueueHandler
	RuntimeHandler    *handlers.RuntimeHandler
	CatalogHandler    *handlers.CatalogHandler
	CredentialHandler *handlers.CredentialHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(envutil.String("NOETL_CORS_ORIGINS", "http://localhost:3000"), ",")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With", "X-Worker-ID"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.POST("/executions/run", cfg.ExecutionHandler.Run)
		api.GET("/executions/:id", cfg.ExecutionHandler.Get)
		api.GET("/executions/:id/events", cfg.ExecutionHandler.Events)
		api.GET("/executions/:id/events/stream", cfg.ExecutionHandler.Stream)
		api.POST("/executions/:id/cancel", cfg.ExecutionHandler.Cancel)

		api.POST("/queue/lease", cfg.QueueHandler.Lease)
		api.POST("/queue/:queue_id/heartbeat", cfg.QueueHandler.Heartbeat)
		api.POST("/queue/:queue_id/complete", cfg.QueueHandler.Complete)
		api.POST("/queue/:queue_id/fail", cfg.QueueHandler.Fail)
		api.POST("/queue/:queue_id/events", cfg.QueueHandler.Report)
		api.POST("/queue/reap-expired", cfg.QueueHandler.ReapExpired)

		api.POST("/runtime/register", cfg.RuntimeHandler.Register)
		api.POST("/runtime/heartbeat", cfg.RuntimeHandler.Heartbeat)

		api.POST("/catalog/register", cfg.CatalogHandler.Register)
		api.GET("/catalog/fetch", cfg.CatalogHandler.Fetch)

		api.POST("/credentials", cfg.CredentialHandler.Upsert)
		api.GET("/credentials", cfg.CredentialHandler.List)
		api.GET("/credentials/:name", cfg.CredentialHandler.Get)
	}

	return router
}
