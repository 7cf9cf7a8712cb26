package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gameview/processing/internal/config"
)

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	GetPublicURL(key string) string
}

// NewStorageClient builds the client selected by cfg.Driver.
func NewStorageClient(cfg *config.StorageConfig) (StorageClient, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "r2":
		return NewR2Client(cfg)
	case "minio":
		return NewMinioClient(cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func publicURL(base, key string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(base, "/"), strings.TrimLeft(key, "/"))
}
