package api

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "campaigngraph_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// RegisterRoutes sets up the campaign API under rg.
//
// Example:
//
//	router := gin.New()
//	v1 := router.Group("/v1")
//	RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/validate", handlers.HandleValidate)
	rg.GET("/campaigns", handlers.HandleListCampaigns)

	campaign := rg.Group("/campaigns/:campaignId")
	{
		campaign.POST("/graph", handlers.HandleCreateGraph)
		campaign.GET("/graph", handlers.HandleGetGraph)
		campaign.GET("/summary", handlers.HandleSummary)
		campaign.GET("/ready", handlers.HandleReady)
		campaign.POST("/start", handlers.HandleStart)
		campaign.POST("/cancel", handlers.HandleCancel)
		campaign.GET("/wait", handlers.HandleWait)
		campaign.GET("/events", handlers.HandleEvents)
		campaign.GET("/executions", handlers.HandleExecutions)

		campaign.GET("/nodes/:nodeId", handlers.HandleGetNode)
		campaign.POST("/nodes/:nodeId/retry", handlers.HandleRetry)
		campaign.POST("/nodes/:nodeId/skip", handlers.HandleSkip)
	}
}

// NewRouter builds the full HTTP surface: the v1 API, /health and /metrics.
func NewRouter(handlers *Handlers, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		requestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed))
	}
}
