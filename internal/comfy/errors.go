package comfy

import (
	"errors"
	"fmt"
)

// ErrUnreachable wraps connection-level failures: the backend host could not
// be reached at all, as opposed to reaching it and being rejected.
var ErrUnreachable = errors.New("comfyui unreachable")

// BackendError is a non-success response from a backend endpoint.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("comfyui returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("comfyui returned HTTP %d: %s", e.StatusCode, e.Body)
}

// newBackendError builds a BackendError with the response body trimmed to a
// loggable snippet.
func newBackendError(status int, body []byte) *BackendError {
	const maxSnippet = 512
	snippet := string(body)
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}
	return &BackendError{StatusCode: status, Body: snippet}
}
