// Package dbservice is the persistence service's HTTP surface: it accepts
// command envelopes and answers each with a response envelope.
package dbservice

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/command"
	"github.com/eion/relay/internal/health"
	"github.com/eion/relay/internal/transport"
)

// MigrateFunc creates tables and indexes if they do not exist
type MigrateFunc func(ctx context.Context) error

// AppState is shared by every handler
type AppState struct {
	Processor transport.Processor
	Health    *health.Manager
	Migrate   MigrateFunc
	Logger    *zap.Logger
}

// NewRouter builds the persistence service engine
func NewRouter(as *AppState) *gin.Engine {
	if as.Logger == nil {
		as.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", healthCheck(as))
	router.GET("/dbup", dbUp(as))
	router.POST("/:collection/operation", applyOperation(as))

	return router
}

func applyOperation(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env command.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			as.Logger.Warn("Received malformed command envelope",
				zap.String("collection", c.Param("collection")),
				zap.Error(err))
			c.JSON(http.StatusBadRequest, command.Failure(env.RequestID, command.ErrorDetail{
				Reason:  command.ReasonMalformedEnvelope,
				Message: err.Error(),
			}))
			return
		}

		resp := as.Processor.Apply(c.Request.Context(), env)
		c.JSON(http.StatusOK, resp)
	}
}

func healthCheck(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		services := map[string]health.Status{}
		healthy := true
		if as.Health != nil {
			services, healthy = as.Health.RuntimeHealthCheck(c.Request.Context())
		}
		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
			"services":  services,
		})
	}
}

func dbUp(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		if as.Migrate == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		if err := as.Migrate(c.Request.Context()); err != nil {
			as.Logger.Error("Failed to initialize database", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
