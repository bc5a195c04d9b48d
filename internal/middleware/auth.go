package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/internal/auth"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// DeviceAuth validates the Bearer device token on every request
func DeviceAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")

			device, err := authService.ValidateToken(c.Request.Context(), token)
			if err == nil {
				c.Set("device", device)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// GetDeviceFromContext extracts the authenticated device from gin context
func GetDeviceFromContext(c *gin.Context) (*types.Device, bool) {
	device, exists := c.Get("device")
	if !exists {
		return nil, false
	}
	typed, ok := device.(*types.Device)
	return typed, ok
}
