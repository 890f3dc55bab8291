// admin.go: Admin API for rate limiting management (status, reset, configs)
package ratelimit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AdminAPI exposes administrative endpoints over the live limiters. The
// resolver is consulted per request so limiter rebuilds (config reloads)
// are reflected immediately.
type AdminAPI struct {
	resolve func(category string) *RateLimiter
	manager *ConfigManager
	logger  *zap.Logger
}

// AdminResponse is the standardized admin API envelope.
type AdminResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id"`
}

// NewAdminAPI creates the admin surface. resolve maps a category name to its
// current limiter, returning nil for unknown categories.
func NewAdminAPI(resolve func(category string) *RateLimiter, manager *ConfigManager, logger *zap.Logger) *AdminAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAPI{resolve: resolve, manager: manager, logger: logger}
}

// Register mounts the admin routes on a router group.
func (api *AdminAPI) Register(rg *gin.RouterGroup) {
	rg.GET("/ratelimit/configs", api.handleConfigs)
	rg.GET("/ratelimit/status/:category", api.handleStatus)
	rg.POST("/ratelimit/reset/:category", api.handleReset)
}

func (api *AdminAPI) handleConfigs(c *gin.Context) {
	c.JSON(http.StatusOK, AdminResponse{
		Success:   true,
		Message:   "configurations retrieved",
		Data:      api.manager.All(),
		Timestamp: time.Now(),
		RequestID: uuid.NewString(),
	})
}

// descriptorFromQuery builds the target descriptor for status/reset calls.
// Either key= (a pre-derived custom key) or ip= plus route= must be given.
func descriptorFromQuery(c *gin.Context) Descriptor {
	return Descriptor{
		CustomKey:    c.Query("key"),
		IPCandidates: []string{c.Query("ip")},
		Route:        c.Query("route"),
	}
}

func (api *AdminAPI) handleStatus(c *gin.Context) {
	rl := api.resolve(c.Param("category"))
	if rl == nil {
		c.JSON(http.StatusNotFound, AdminResponse{
			Success:   false,
			Error:     "unknown limiter category",
			Timestamp: time.Now(),
			RequestID: uuid.NewString(),
		})
		return
	}

	dec, err := rl.Status(c.Request.Context(), descriptorFromQuery(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, AdminResponse{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
			RequestID: uuid.NewString(),
		})
		return
	}
	c.JSON(http.StatusOK, AdminResponse{
		Success:   true,
		Message:   "status retrieved",
		Data:      dec,
		Timestamp: time.Now(),
		RequestID: uuid.NewString(),
	})
}

// handleReset clears the counter for the derived key. A reset that fails
// against an unreachable store reports success=false rather than an HTTP
// error from deeper layers.
func (api *AdminAPI) handleReset(c *gin.Context) {
	rl := api.resolve(c.Param("category"))
	if rl == nil {
		c.JSON(http.StatusNotFound, AdminResponse{
			Success:   false,
			Error:     "unknown limiter category",
			Timestamp: time.Now(),
			RequestID: uuid.NewString(),
		})
		return
	}

	if err := rl.Reset(c.Request.Context(), descriptorFromQuery(c)); err != nil {
		api.logger.Warn("admin reset failed", zap.String("category", c.Param("category")), zap.Error(err))
		c.JSON(http.StatusOK, AdminResponse{
			Success:   false,
			Message:   "reset failed",
			Error:     err.Error(),
			Timestamp: time.Now(),
			RequestID: uuid.NewString(),
		})
		return
	}
	c.JSON(http.StatusOK, AdminResponse{
		Success:   true,
		Message:   "counter reset",
		Timestamp: time.Now(),
		RequestID: uuid.NewString(),
	})
}
