package http

import (
	"log/slog"

	"publisher-sync/internal/config"
	"publisher-sync/internal/handlers"
	"publisher-sync/internal/middleware"
	"publisher-sync/internal/models"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(cfg config.Config, guard *middleware.Guard, limiter *middleware.Limiter, h *handlers.QueueHandler, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Authorization", "Content-Type",
			middleware.HeaderDeviceID, middleware.HeaderAPIKey,
			middleware.HeaderTimestamp, middleware.HeaderSignature,
		},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	producer := []models.Role{models.RoleDesktop, models.RoleServer}
	consumer := []models.Role{models.RoleMobile, models.RoleServer}
	anyRole := []models.Role{models.RoleDesktop, models.RoleMobile, models.RoleServer}

	v1 := r.Group("/api/sync/v1")
	{
		v1.POST("/send",
			guard.Require(middleware.Route{Methods: []string{"POST"}, Roles: producer, Permission: models.PermSend}),
			limiter.Middleware("send", cfg.RateLimitMax),
			h.Send)
		v1.POST("/import",
			guard.Require(middleware.Route{Methods: []string{"POST"}, Roles: producer, Permission: models.PermImport}),
			limiter.Middleware("import", cfg.RateLimitImportMax),
			h.Import)
		v1.GET("/queue",
			guard.Require(middleware.Route{Methods: []string{"GET"}, Roles: producer, Permission: models.PermQueue}),
			limiter.Middleware("queue", cfg.RateLimitMax),
			h.Queue)
		v1.GET("/jobs/:id",
			guard.Require(middleware.Route{Methods: []string{"GET"}, Roles: anyRole, Permission: models.PermQueue}),
			limiter.Middleware("jobs", cfg.RateLimitMax),
			h.GetJob)
		v1.GET("/updates",
			guard.Require(middleware.Route{Methods: []string{"GET"}, Roles: consumer, Permission: models.PermUpdates}),
			limiter.Middleware("updates", cfg.RateLimitMax),
			h.Updates)
		v1.POST("/incoming",
			guard.Require(middleware.Route{Methods: []string{"POST"}, Roles: consumer, Permission: models.PermIncoming}),
			limiter.Middleware("incoming", cfg.RateLimitMax),
			h.Incoming)
		v1.POST("/ack",
			guard.Require(middleware.Route{Methods: []string{"POST"}, Roles: anyRole, Permission: models.PermAck}),
			limiter.Middleware("ack", cfg.RateLimitMax),
			h.Ack)
		v1.GET("/notifications",
			guard.Require(middleware.Route{Methods: []string{"GET"}, Roles: producer, Permission: models.PermNotifications}),
			limiter.Middleware("notifications", cfg.RateLimitMax),
			h.Notifications)
		v1.DELETE("/notifications/:id",
			guard.Require(middleware.Route{Methods: []string{"DELETE"}, Roles: producer, Permission: models.PermNotifications}),
			limiter.Middleware("notifications", cfg.RateLimitMax),
			h.RemoveNotification)
		v1.DELETE("/notifications",
			guard.Require(middleware.Route{Methods: []string{"DELETE"}, Roles: producer, Permission: models.PermNotifications}),
			limiter.Middleware("notifications", cfg.RateLimitMax),
			h.ClearNotifications)
	}
	return r
}
