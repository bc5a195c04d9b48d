package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pixelvault/pixelvault/internal/images"
	"github.com/pixelvault/pixelvault/internal/storage"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// ImageRoutes sets up the image metadata and batch endpoints
func ImageRoutes(api *gin.RouterGroup, imageService *images.Service) {
	imgs := api.Group("/images")

	imgs.DELETE("/:id", handleDeleteImage(imageService))
	imgs.PATCH("/:id", handleUpdateImage(imageService))
	imgs.GET("/:id/download", handleDownloadImage(imageService))
	imgs.POST("/batch/delete", handleBatchDelete(imageService))
	imgs.POST("/batch/update", handleBatchUpdate(imageService))
}

func parseImageID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.APIResponse{
			Success: false,
			Error:   "invalid image id",
		})
		return uuid.Nil, false
	}
	return id, true
}

func handleDeleteImage(imageService *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseImageID(c)
		if !ok {
			return
		}

		op, err := imageService.Delete(c.Request.Context(), id, clientID(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":  "image deleted",
			"sequence": op.Sequence,
		})
	}
}

func handleUpdateImage(imageService *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseImageID(c)
		if !ok {
			return
		}

		var req types.UpdateImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid update request",
			})
			return
		}

		op, err := imageService.Update(c.Request.Context(), id, clientID(c), &req)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":  "image updated",
			"sequence": op.Sequence,
		})
	}
}

func handleDownloadImage(imageService *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseImageID(c)
		if !ok {
			return
		}

		url, img, err := imageService.DownloadURL(c.Request.Context(), id, clientID(c))
		if err != nil {
			// Local storage has no presigned URLs: stream inline instead
			if errors.Is(err, storage.ErrPresignNotSupported) {
				streamImage(c, imageService, img)
				return
			}
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"url":      url,
			"filename": img.OriginalName,
			"size":     img.Size,
		})
	}
}

func streamImage(c *gin.Context, imageService *images.Service, img *types.Image) {
	reader, err := imageService.Stream(c.Request.Context(), img)
	if err != nil {
		respondError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+img.OriginalName+"\"")
	c.DataFromReader(http.StatusOK, img.Size, img.ContentType, reader, nil)
}

func handleBatchDelete(imageService *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.BatchDeleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "ids are required",
			})
			return
		}

		result, err := imageService.BatchDelete(c.Request.Context(), clientID(c), req.IDs)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}

func handleBatchUpdate(imageService *images.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.BatchUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "items are required",
			})
			return
		}

		result, err := imageService.BatchUpdate(c.Request.Context(), clientID(c), req.Items)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, result)
	}
}
