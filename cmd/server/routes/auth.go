package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/internal/auth"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// AuthRoutes sets up device enrollment
func AuthRoutes(api *gin.RouterGroup, authService *auth.Service) {
	a := api.Group("/auth")

	a.POST("/token", handleEnroll(authService))
}

func handleEnroll(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.EnrollRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "device_name and enrollment_key are required",
			})
			return
		}

		token, err := authService.Enroll(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, token)
	}
}
