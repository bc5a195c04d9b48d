package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/internal/oplog"
	"github.com/pixelvault/pixelvault/internal/synclock"
	"github.com/pixelvault/pixelvault/pkg/types"
	"github.com/rs/zerolog/log"
)

// SyncRoutes sets up the delta-sync and write-lock endpoints
func SyncRoutes(api *gin.RouterGroup, logService *oplog.Service, lockManager *synclock.Manager) {
	sync := api.Group("/sync")

	sync.GET("/current", handleCurrentSequence(logService))
	sync.GET("/operations", handleOperations(logService))
	sync.POST("/lock/acquire", handleLockAcquire(lockManager))
	sync.POST("/lock/release", handleLockRelease(lockManager))
}

func handleCurrentSequence(logService *oplog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		current, err := logService.CurrentSequence(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"sequence": current})
	}
}

func handleOperations(logService *oplog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		since, ok := parseNonNegative(c, "since", 0)
		if !ok {
			return
		}
		limit, ok := parseNonNegative(c, "limit", 100)
		if !ok {
			return
		}

		ops, err := logService.Since(c.Request.Context(), since, int(limit))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"operations": ops,
			"count":      len(ops),
		})
	}
}

// parseNonNegative reads a query parameter that must parse as a
// non-negative integer; anything else is an unconditional 400
func parseNonNegative(c *gin.Context, name string, fallback int64) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   "invalid " + name + " parameter",
		})
		return 0, false
	}
	return v, true
}

func handleLockAcquire(lockManager *synclock.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := lockManager.Acquire(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}

		if !resp.Granted {
			log.Debug().Str("client_id", clientID(c)).Msg("lock acquire denied")
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleLockRelease(lockManager *synclock.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LockReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "token is required",
			})
			return
		}

		resp, err := lockManager.Release(c.Request.Context(), req.Token)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}
