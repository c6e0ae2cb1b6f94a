// Package gateway exposes the user-management HTTP API. Every call becomes a
// command envelope sent through the dispatcher.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eion/relay/internal/dispatch"
	"github.com/eion/relay/internal/health"
)

// HeaderRequestID carries the request_id in both directions
const HeaderRequestID = "X-Request-ID"

// Dispatcher is the part of *dispatch.Dispatcher the handlers use
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	InFlight() int
}

// RouterConfig holds listener-level settings
type RouterConfig struct {
	AllowOrigins   []string
	MaxRequestSize int64
}

// AppState is shared by every handler
type AppState struct {
	Dispatcher Dispatcher
	Health     *health.Manager
	Logger     *zap.Logger
}

// NewRouter builds the gateway engine
func NewRouter(as *AppState, cfg RouterConfig) *gin.Engine {
	if as.Logger == nil {
		as.Logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(corsMiddleware(cfg.AllowOrigins))
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.MaxRequestSize > 0 {
		router.Use(limitBody(cfg.MaxRequestSize))
	}

	router.GET("/health", healthCheck(as))

	users := router.Group("/users")
	{
		users.POST("/create", createUser(as))
		users.PUT("/update/:guid", updateUser(as))
		users.DELETE("/delete/:guid", deleteUser(as))
		users.GET("/:guid", getUser(as))
		users.GET("", listUsers(as))
	}

	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return cors.Default()
	}
	return cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Origin", "Content-Type", HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID},
		MaxAge:        12 * time.Hour,
	})
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func healthCheck(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		services := map[string]health.Status{}
		healthy := true
		if as.Health != nil {
			services, healthy = as.Health.RuntimeHealthCheck(c.Request.Context())
		}

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
			"services":  services,
			"in_flight": as.Dispatcher.InFlight(),
		})
	}
}
