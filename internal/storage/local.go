package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores artifacts on the local filesystem under a single directory.
type Local struct {
	dir        string
	publicPath string
}

// NewLocal creates a local store rooted at dir, creating it if needed.
// publicPath is the URL prefix artifacts are exposed under.
func NewLocal(dir, publicPath string) (*Local, error) {
	if dir == "" {
		dir = "./output/images"
	}
	if publicPath == "" {
		publicPath = "/api/images"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating images directory %s: %w", dir, err)
	}
	return &Local{
		dir:        dir,
		publicPath: strings.TrimSuffix(publicPath, "/"),
	}, nil
}

// Save writes the artifact and returns its public URL.
func (l *Local) Save(_ context.Context, filename string, data []byte, _ string) (string, error) {
	name := filepath.Base(filename) // no directory components in artifact names
	path := filepath.Join(l.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", name, err)
	}
	return l.publicPath + "/" + name, nil
}

// Open streams a stored artifact by name.
func (l *Local) Open(_ context.Context, filename string) (io.ReadCloser, error) {
	name := filepath.Base(filename)
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", name, err)
	}
	return f, nil
}
