package api

import (
	"net/http"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/bulk-jobs-api/internal/models"
	"github.com/bulk-jobs-api/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDKey = "request_id"

// NewRouter creates and configures the Gin router
func NewRouter(services *service.Services, cfg *config.Config, log zerolog.Logger) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(requestIDMiddleware())
	router.Use(recoveryMiddleware(log))
	router.Use(loggingMiddleware(log))
	router.Use(corsMiddleware())

	// Handlers
	importHandler := NewImportHandler(services, cfg, log)
	exportHandler := NewExportHandler(services, log)

	// Health check and Prometheus metrics
	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats", statsHandler(services))

	// API v1
	v1 := router.Group("/v1")
	{
		// Import endpoints
		imports := v1.Group("/imports")
		{
			imports.POST("", importHandler.CreateImport)
			imports.GET("/:job_id", importHandler.GetImportStatus)
		}

		// Export endpoints
		exports := v1.Group("/exports")
		{
			exports.POST("", exportHandler.CreateExport)
			exports.GET("/stream", exportHandler.StreamExport)
			exports.GET("/:job_id", exportHandler.GetExportStatus)
		}
	}

	return router
}

// healthCheck returns the health status
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"service":   "bulk-jobs-api",
	})
}

// statsHandler returns per-resource row counts
func statsHandler(services *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		usersCount, _ := services.Export.GetCount(ctx, models.ResourceUsers)
		articlesCount, _ := services.Export.GetCount(ctx, models.ResourceArticles)
		commentsCount, _ := services.Export.GetCount(ctx, models.ResourceComments)

		c.JSON(http.StatusOK, gin.H{
			"database": gin.H{
				"users":    usersCount,
				"articles": articlesCount,
				"comments": commentsCount,
			},
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// requestIDMiddleware assigns each request an ID, honoring one supplied by
// the client.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// recoveryMiddleware handles panics
func recoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("error", err).Msg("Panic recovered")
				respondError(c, http.StatusInternalServerError, "internal server error")
			}
		}()
		c.Next()
	}
}

// loggingMiddleware logs requests
func loggingMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		event := log.Info()
		if statusCode >= 400 {
			event = log.Warn()
		}
		if statusCode >= 500 {
			event = log.Error()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("Request completed")
	}
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
