// Package storage stores generated artifacts by relative key, either on
// local disk or in S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/zimagehq/zimage/internal/config"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

type Storage interface {
	// Put writes an object and returns its absolute location (filesystem
	// path or s3:// URL).
	Put(ctx context.Context, relativePath string, data []byte, contentType string) (string, error)
	// Get reads an object back along with its content type.
	Get(ctx context.Context, relativePath string) ([]byte, string, error)
}

// FromConfig builds the configured storage backend.
func FromConfig(cfg config.Config) (Storage, error) {
	if cfg.S3Enabled() {
		return NewS3(S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return NewLocal(cfg.OutputDir), nil
}

func contentTypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}
