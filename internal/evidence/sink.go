// Package evidence stores the screenshot trail of a run.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Sink persists one image and returns where it went.
type Sink interface {
	Save(ctx context.Context, name string, png []byte) (string, error)
}

// DirSink writes `<name>_<unixMillis>.png` files into a directory.
type DirSink struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// NewDirSink creates the directory if needed.
func NewDirSink(dir string, logger *zap.Logger) (*DirSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("evidence: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: cannot create %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirSink{dir: dir, now: time.Now, logger: logger.Named("evidence")}, nil
}

// ForRun returns a sink scoped to a per-run subdirectory.
func (s *DirSink) ForRun(runID string) (*DirSink, error) {
	return NewDirSink(filepath.Join(s.dir, sanitize(runID)), s.logger)
}

// Dir is the directory files are written to.
func (s *DirSink) Dir() string {
	return s.dir
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	clean := unsafeChars.ReplaceAllString(name, "_")
	if clean == "" {
		return "shot"
	}
	return clean
}

// Save writes the image. Names are sanitized to a safe file name.
func (s *DirSink) Save(ctx context.Context, name string, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%d.png", sanitize(name), s.now().UnixMilli()))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("evidence: failed to write %s: %w", path, err)
	}
	s.logger.Debug("Screenshot saved.", zap.String("path", path), zap.Int("bytes", len(png)))
	return path, nil
}
