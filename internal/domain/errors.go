package domain

import "errors"

// Sentinel errors shared across the queue and service layers.
var (
	// ErrJobNotFound is returned when a job id has no registry entry.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJobID is returned when a create collides with an existing id.
	// Ids are generated upstream with uuid, so hitting this indicates a defect
	// in id generation rather than a retryable condition.
	ErrDuplicateJobID = errors.New("duplicate job id")

	// ErrEmptyPrompt is returned for a submission without usable prompt text.
	ErrEmptyPrompt = errors.New("prompt is required")
)
