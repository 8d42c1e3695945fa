package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/comfy"
)

// ComfyHandler exposes backend passthrough endpoints.
type ComfyHandler struct {
	client *comfy.Client
}

// NewComfyHandler creates a new backend passthrough handler.
func NewComfyHandler(client *comfy.Client) *ComfyHandler {
	return &ComfyHandler{client: client}
}

// GetQueue handles GET /api/comfyui/queue.
func (h *ComfyHandler) GetQueue(c *gin.Context) {
	state, err := h.client.QueueState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}
	c.Data(http.StatusOK, "application/json", state)
}

// Interrupt handles POST /api/comfyui/interrupt. The backend cancels
// whatever prompt it is currently executing.
func (h *ComfyHandler) Interrupt(c *gin.Context) {
	if err := h.client.Interrupt(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

// GetModels handles GET /api/comfyui/models. The checkpoint names are dug
// out of the backend's node catalog.
func (h *ComfyHandler) GetModels(c *gin.Context) {
	info, err := h.client.ObjectInfo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"models": checkpointNames(info),
	})
}

// checkpointNames extracts the available checkpoint files from an
// /object_info payload. The list lives at
// CheckpointLoaderSimple.input.required.ckpt_name[0].
func checkpointNames(info json.RawMessage) []string {
	var catalog struct {
		CheckpointLoaderSimple struct {
			Input struct {
				Required struct {
					CkptName []json.RawMessage `json:"ckpt_name"`
				} `json:"required"`
			} `json:"input"`
		} `json:"CheckpointLoaderSimple"`
	}
	if err := json.Unmarshal(info, &catalog); err != nil {
		return []string{}
	}

	list := catalog.CheckpointLoaderSimple.Input.Required.CkptName
	if len(list) == 0 {
		return []string{}
	}

	var names []string
	if err := json.Unmarshal(list[0], &names); err != nil {
		return []string{}
	}
	return names
}
