package routes

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pixelvault/pixelvault/internal/upload"
	"github.com/pixelvault/pixelvault/pkg/types"
)

// ChunkedRoutes sets up the resumable chunked upload endpoints
func ChunkedRoutes(api *gin.RouterGroup, uploadService *upload.Service) {
	chunked := api.Group("/chunked")

	chunked.POST("/init", handleInitUpload(uploadService))
	chunked.POST("/upload/:sessionId", handleUploadChunk(uploadService))
	chunked.POST("/complete/:sessionId", handleCompleteUpload(uploadService))
	chunked.GET("/status/:sessionId", handleUploadStatus(uploadService))
	chunked.DELETE("/:sessionId", handleCancelUpload(uploadService))
}

func handleInitUpload(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.InitUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "invalid init request: " + err.Error(),
			})
			return
		}

		sess, err := uploadService.Init(c.Request.Context(), &req, clientID(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"session_id":   sess.ID,
			"total_chunks": sess.TotalChunks,
			"chunk_size":   sess.ChunkSize,
		})
	}
}

func handleUploadChunk(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		rawIndex := c.Query("chunkNumber")
		if rawIndex == "" {
			rawIndex = c.PostForm("chunkNumber")
		}
		index, err := strconv.Atoi(rawIndex)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "chunkNumber is required",
			})
			return
		}

		data, err := readChunkBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "failed to read chunk body",
			})
			return
		}
		if len(data) == 0 {
			c.JSON(http.StatusBadRequest, types.APIResponse{
				Success: false,
				Error:   "empty chunk",
			})
			return
		}

		sess, already, err := uploadService.UploadChunk(c.Request.Context(), sessionID, index, data)
		if err != nil {
			respondError(c, err)
			return
		}

		message := "chunk uploaded"
		if already {
			message = "chunk already uploaded"
		}
		c.JSON(http.StatusOK, gin.H{
			"message":         message,
			"uploaded_chunks": len(sess.Uploaded),
			"total_chunks":    sess.TotalChunks,
		})
	}
}

// readChunkBody accepts either a multipart "chunk" file or the raw
// request body
func readChunkBody(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("chunk"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return c.GetRawData()
}

func handleCompleteUpload(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		img, op, err := uploadService.Complete(c.Request.Context(), sessionID, clientID(c))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"image":    img,
			"sequence": op.Sequence,
		})
	}
}

func handleUploadStatus(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := uploadService.Status(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, status)
	}
}

func handleCancelUpload(uploadService *upload.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := uploadService.Cancel(c.Request.Context(), c.Param("sessionId")); err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "upload cancelled"})
	}
}
