package client

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gameview/processing/internal/config"
)

// MinioClient implements StorageClient for MinIO and other S3 compatible
// stores reachable by endpoint.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

func NewMinioClient(cfg *config.StorageConfig) (*MinioClient, error) {
	if cfg.MinioEndpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("MinIO configuration incomplete")
	}
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	public := cfg.PublicURL
	if public == "" {
		scheme := "http"
		if cfg.MinioUseSSL {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s/%s", scheme, cfg.MinioEndpoint, cfg.Bucket)
	}

	return &MinioClient{client: client, bucket: cfg.Bucket, publicURL: public}, nil
}

func (c *MinioClient) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return c.GetPublicURL(key), nil
}

func (c *MinioClient) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete from MinIO: %w", err)
	}
	return nil
}

func (c *MinioClient) GetPublicURL(key string) string {
	return publicURL(c.publicURL, key)
}
