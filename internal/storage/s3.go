package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// S3 stores artifacts in S3-compatible object storage (MinIO/AWS S3).
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	var missing []string
	for name, value := range map[string]string{
		"S3_ENDPOINT":    cfg.Endpoint,
		"S3_ACCESS_KEY":  cfg.AccessKey,
		"S3_SECRET_KEY":  cfg.SecretKey,
		"S3_BUCKET_NAME": cfg.Bucket,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing S3 config: %s", strings.Join(missing, ", "))
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &S3{client: cli, cfg: cfg}, nil
}

func (s *S3) key(relativePath string) string {
	rel := strings.TrimPrefix(relativePath, "/")
	prefix := strings.Trim(s.cfg.Prefix, "/ ")
	if prefix != "" {
		return prefix + "/" + rel
	}
	return rel
}

func (s *S3) Put(ctx context.Context, relativePath string, data []byte, contentType string) (string, error) {
	key := s.key(relativePath)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s/%s", s.cfg.Bucket, key), nil
}

func (s *S3) Get(ctx context.Context, relativePath string) ([]byte, string, error) {
	key := s.key(relativePath)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", err
	}

	contentType := stat.ContentType
	if contentType == "" {
		contentType = contentTypeForPath(relativePath)
	}
	return data, contentType, nil
}
