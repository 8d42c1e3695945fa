package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/domain"
)

// JobSubmitter is the slice of the generation service the handler needs.
type JobSubmitter interface {
	Submit(ctx context.Context, prompt string, options map[string]interface{}) (domain.Job, error)
}

// ImagineHandler handles generation submissions.
type ImagineHandler struct {
	generator JobSubmitter
}

// NewImagineHandler creates a new imagine handler.
func NewImagineHandler(generator JobSubmitter) *ImagineHandler {
	return &ImagineHandler{generator: generator}
}

type imagineRequest struct {
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options"`
}

// Imagine handles POST /api/imagine. The job is accepted immediately and
// processed in the background; clients poll GET /api/jobs/:id for progress.
func (h *ImagineHandler) Imagine(c *gin.Context) {
	var req imagineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	job, err := h.generator.Submit(c.Request.Context(), req.Prompt, req.Options)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyPrompt) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Prompt is required",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":   job.ID,
		"status":  job.Status,
		"message": "Job created successfully",
	})
}
