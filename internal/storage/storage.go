// Package storage persists generated image artifacts and maps them to the
// public URLs clients fetch them from.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Store is the artifact storage boundary. Save writes raw image bytes under
// a job-scoped filename and returns the stable public URL for the artifact.
type Store interface {
	Save(ctx context.Context, filename string, data []byte, contentType string) (string, error)

	// Open streams a previously saved artifact. Implementations backed by
	// external object stores may not support local reads and return
	// ErrNotServable; those artifacts carry absolute URLs instead.
	Open(ctx context.Context, filename string) (io.ReadCloser, error)
}

// ErrNotServable is returned by Open when artifacts are served directly by
// the storage backend rather than through this process.
var ErrNotServable = fmt.Errorf("artifacts are served by the storage backend")

// Type selects a storage implementation.
type Type string

const (
	TypeLocal Type = "local"
	TypeS3    Type = "s3"
)

// Config holds artifact storage configuration.
type Config struct {
	Type Type

	// Local backend
	Dir        string // directory artifacts are written to
	PublicPath string // URL prefix the HTTP layer serves them under

	// S3-compatible backend
	S3 S3Config
}

// New creates a Store from configuration, defaulting to local disk.
func New(cfg Config) (Store, error) {
	switch Type(strings.ToLower(string(cfg.Type))) {
	case TypeS3:
		return NewS3(&cfg.S3)
	case TypeLocal, "":
		return NewLocal(cfg.Dir, cfg.PublicPath)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
