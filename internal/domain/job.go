package domain

import "time"

// JobStatus represents the lifecycle state of a generation job.
// Values include JobStatusQueued, JobStatusProcessing, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a job in state s accepts no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ImageRef points at one generated image artifact.
type ImageRef struct {
	Filename      string `json:"filename"`       // name under local/object storage
	URL           string `json:"url"`            // public URL the client can fetch
	ComfyFilename string `json:"comfy_filename"` // backend-native output name
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
}

// Job represents one tracked image generation request and its progress metadata.
type Job struct {
	ID             string                 `json:"id"`
	Prompt         string                 `json:"prompt"`                    // raw user text, directives included
	CompiledPrompt string                 `json:"compiled_prompt,omitempty"` // directive-stripped text sent to the backend
	Options        map[string]interface{} `json:"options,omitempty"`
	Status         JobStatus              `json:"status"`
	Progress       int                    `json:"progress"` // 0-100, meaningful while processing
	ComfyPromptID  string                 `json:"comfy_prompt_id,omitempty"`
	Images         []ImageRef             `json:"images"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
