// Package server assembles the gateway: request logging, CORS, the global
// backstop, the per-action admission gates, the admin API and the upstream
// proxy.
package server

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftmark/edgegate/internal/config"
	"github.com/driftmark/edgegate/internal/ratelimit"
)

var backstopRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edgegate",
	Subsystem: "gateway",
	Name:      "backstop_rejections_total",
	Help:      "Requests shed by the process-wide backstop limiter",
})

// Server wires the admission layer in front of the upstream API.
type Server struct {
	logger  *zap.Logger
	cfg     *config.Config
	limiter *ratelimit.Limiter
	proxy   gin.HandlerFunc

	// backstop sheds aggregate floods before any per-IP bookkeeping runs.
	// Nil when disabled.
	backstop *rate.Limiter
}

// NewServer builds the gateway around an already constructed limiter.
func NewServer(logger *zap.Logger, cfg *config.Config, limiter *ratelimit.Limiter) (*Server, error) {
	proxy, err := newUpstreamProxy(cfg.Upstream.URL, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		limiter: limiter,
		proxy:   proxy,
	}
	if cfg.Backstop.Enabled {
		s.backstop = rate.NewLimiter(rate.Limit(cfg.Backstop.RPS), cfg.Backstop.Burst)
	}
	return s, nil
}

// Router builds the gin engine with every route and middleware attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.Default())
	if s.backstop != nil {
		router.Use(s.backstopMiddleware())
	}

	// Empty list means no proxy is trusted and the socket peer is the
	// client; forwarding headers from strangers must not pick the bucket.
	if err := router.SetTrustedProxies(s.cfg.Server.TrustedProxies); err != nil {
		s.logger.Error("invalid trusted proxy list, trusting none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.registerAdminRoutes(router)

	// Abuse-prone operations pass through their action gate before being
	// forwarded. Everything else flows upstream guarded by the backstop
	// alone.
	api := router.Group("/api/v1")
	{
		api.POST("/register", s.limiter.Register().Middleware(), s.proxy)
		api.POST("/messages", s.limiter.Message().Middleware(), s.proxy)
		api.POST("/posts", s.limiter.Post().Middleware(), s.proxy)
		api.POST("/comments", s.limiter.Comment().Middleware(), s.proxy)
		api.POST("/images", s.limiter.Image().Middleware(), s.proxy)
		api.GET("/search", s.limiter.Search().Middleware(), s.proxy)
		api.POST("/settings/import", s.limiter.ImportUserSettings().Middleware(), s.proxy)
	}
	router.NoRoute(s.proxy)

	return router
}

func (s *Server) backstopMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.backstop.Allow() {
			backstopRejections.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "SERVER_OVERLOADED",
				"message": "shedding load, retry shortly",
			})
			return
		}
		c.Next()
	}
}
