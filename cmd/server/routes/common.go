package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/internal/middleware"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// respondError maps a service error onto its HTTP status and the
// standard response envelope
func respondError(c *gin.Context, err error) {
	c.JSON(types.HTTPStatus(err), types.APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// clientID extracts the calling client's identifier header
func clientID(c *gin.Context) string {
	return c.GetHeader(middleware.HeaderClientID)
}
