package storage

import (
	"context"
	"fmt"

	"github.com/noah-isme/service-portal-api/pkg/config"
)

// NewBlobStore builds the store selected by DOCUMENTS_STORAGE_DRIVER.
func NewBlobStore(ctx context.Context, cfg config.DocumentsConfig) (BlobStore, error) {
	switch cfg.StorageDriver {
	case "", config.StorageDriverLocal:
		return NewLocalStorage(cfg.StorageDir)
	case config.StorageDriverS3:
		return NewS3Storage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
