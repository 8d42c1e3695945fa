package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/comfy"
)

// HealthHandler handles health check endpoints. The server itself is always
// "ok"; backend reachability is reported alongside it rather than failing
// the request.
type HealthHandler struct {
	client  *comfy.Client
	timeout time.Duration
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(client *comfy.Client, timeout time.Duration) *HealthHandler {
	return &HealthHandler{client: client, timeout: timeout}
}

// Health returns the health status of the service and its backend.
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.client.Health(c.Request.Context(), h.timeout)

	comfyState := "healthy"
	if !status.Healthy {
		comfyState = "unhealthy"
	}

	resp := gin.H{
		"server":    "ok",
		"comfyui":   comfyState,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status.Detail != "" {
		resp["detail"] = status.Detail
	}

	c.JSON(http.StatusOK, resp)
}
