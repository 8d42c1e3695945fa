package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kotaro-t/mirage/internal/domain"
	"github.com/kotaro-t/mirage/internal/queue"
)

// JobHandler handles job status endpoints.
type JobHandler struct {
	queue *queue.Queue
}

// NewJobHandler creates a new job handler.
func NewJobHandler(q *queue.Queue) *JobHandler {
	return &JobHandler{queue: q}
}

// GetJob handles GET /api/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")

	job, err := h.queue.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/jobs. An optional status query parameter narrows
// the listing to one lifecycle state.
func (h *JobHandler) ListJobs(c *gin.Context) {
	status := c.Query("status")
	if status == "" {
		c.JSON(http.StatusOK, h.queue.List())
		return
	}

	s := domain.JobStatus(status)
	if !s.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown status: " + status,
		})
		return
	}

	c.JSON(http.StatusOK, h.queue.ListByStatus(s))
}
