package campaign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type TemplateSource interface {
	Load(ctx context.Context, path string) (string, error)
}

// FileTemplateSource reads templates from disk. Relative paths are resolved
// against BaseDir.
type FileTemplateSource struct {
	BaseDir string
}

func (s FileTemplateSource) Load(_ context.Context, path string) (string, error) {
	if !filepath.IsAbs(path) && s.BaseDir != "" {
		path = filepath.Join(s.BaseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", path, err)
	}
	return string(content), nil
}
