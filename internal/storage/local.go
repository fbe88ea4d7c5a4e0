package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores artifacts under a root directory, mirroring the relative key
// as a path.
type Local struct {
	Root string
}

func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) fullPath(relativePath string) (string, error) {
	rel := strings.TrimPrefix(relativePath, "/")
	full := filepath.Join(l.Root, filepath.FromSlash(rel))

	// Keep keys inside the root; history entries are the only key source,
	// but the API also serves arbitrary request paths through Get.
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrNotFound
	}
	return abs, nil
}

func (l *Local) Put(ctx context.Context, relativePath string, data []byte, contentType string) (string, error) {
	_ = ctx
	_ = contentType

	full, err := l.fullPath(relativePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return full, nil
}

func (l *Local) Get(ctx context.Context, relativePath string) ([]byte, string, error) {
	_ = ctx

	full, err := l.fullPath(relativePath)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return data, contentTypeForPath(relativePath), nil
}
