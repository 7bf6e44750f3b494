// admin.go: Runtime management endpoints for the admission layer
package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftmark/edgegate/internal/ratelimit"
)

// adminResponse is the envelope every admin endpoint returns.
type adminResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

func adminOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, adminResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	})
}

func adminError(c *gin.Context, status int, message string) {
	c.JSON(status, adminResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now().UTC(),
		RequestID: uuid.NewString(),
	})
}

func (s *Server) registerAdminRoutes(router *gin.Engine) {
	if s.cfg.Admin.Token == "" {
		s.logger.Warn("admin API disabled: no admin token configured")
		return
	}

	admin := router.Group("/admin/ratelimit", s.adminAuth())
	{
		admin.GET("/limits", s.handleGetLimits)
		admin.PUT("/limits", s.handleUpdateLimits)
		admin.POST("/limits/reload", s.handleReloadLimits)
		admin.POST("/sweep", s.handleSweep)
		admin.GET("/stats", s.handleStats)
	}
}

// adminAuth guards the management endpoints with the configured bearer
// token, compared in constant time.
func (s *Server) adminAuth() gin.HandlerFunc {
	token := []byte(s.cfg.Admin.Token)
	return func(c *gin.Context) {
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), token) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, adminResponse{
				Success:   false,
				Error:     "missing or invalid admin token",
				Timestamp: time.Now().UTC(),
				RequestID: uuid.NewString(),
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleGetLimits(c *gin.Context) {
	adminOK(c, "active rate limits", s.limiter.Limits())
}

func (s *Server) handleUpdateLimits(c *gin.Context) {
	var limits ratelimit.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		adminError(c, http.StatusBadRequest, "malformed limits payload: "+err.Error())
		return
	}
	if err := s.limiter.SetLimits(limits); err != nil {
		adminError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("rate limits updated via admin API")
	adminOK(c, "rate limits updated", limits)
}

func (s *Server) handleReloadLimits(c *gin.Context) {
	path := s.cfg.RateLimit.LimitsFile
	if path == "" {
		adminError(c, http.StatusBadRequest, "no limits file configured")
		return
	}

	limits, err := ratelimit.LoadLimitsFile(path)
	if err != nil {
		adminError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.limiter.SetLimits(limits); err != nil {
		adminError(c, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("rate limits reloaded from file", zap.String("file", path))
	adminOK(c, "rate limits reloaded", limits)
}

func (s *Server) handleSweep(c *gin.Context) {
	s.limiter.RemoveFullBuckets()
	adminOK(c, "full buckets removed", s.limiter.Stats())
}

func (s *Server) handleStats(c *gin.Context) {
	adminOK(c, "tracked bucket groups", s.limiter.Stats())
}
