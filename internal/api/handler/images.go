package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/logger"
	"github.com/kotaro-t/mirage/internal/storage"
)

// ImageHandler serves generated artifacts from local storage. When the
// storage backend is S3 the job's image URLs point at the bucket directly
// and this route answers 404.
type ImageHandler struct {
	store storage.Store
}

// NewImageHandler creates a new image handler.
func NewImageHandler(store storage.Store) *ImageHandler {
	return &ImageHandler{store: store}
}

// GetImage handles GET /api/images/:filename.
func (h *ImageHandler) GetImage(c *gin.Context) {
	filename := c.Param("filename")

	rc, err := h.store.Open(c.Request.Context(), filename)
	if err != nil {
		logger.CtxWarn(c.Request.Context(), "Image not servable: filename=%s, err=%v", filename, err)
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Image not found",
		})
		return
	}
	defer rc.Close()

	c.Header("Content-Type", contentTypeFor(filename))
	c.Status(http.StatusOK)
	io.Copy(c.Writer, rc)
}

func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".jpg"), strings.HasSuffix(filename, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(filename, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}
