package arbor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactSink stores full tool outputs outside the task rows. Queue rows
// carry only the truncated summary and the artifact id; the sink resolves
// the id back to the complete blob.
type ArtifactSink interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
}

// FileArtifactSink keeps artifacts as flat files under a directory, fanned
// out by the first two id characters to keep directories small.
type FileArtifactSink struct {
	dir string
}

// NewFileArtifactSink creates a sink rooted at dir. The directory is
// created on first Put.
func NewFileArtifactSink(dir string) *FileArtifactSink {
	return &FileArtifactSink{dir: dir}
}

func (s *FileArtifactSink) path(id string) (string, error) {
	// Ids are generated in-process, but the sink is also handed ids read
	// back from the queue; refuse anything that could escape the root.
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.dir, prefix, id), nil
}

func (s *FileArtifactSink) Put(_ context.Context, id string, data []byte) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("artifact write: %w", err)
	}
	return nil
}

func (s *FileArtifactSink) Get(_ context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("artifact read: %w", err)
	}
	return data, nil
}
