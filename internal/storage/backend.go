package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sirupsen/logrus"
)

// ObjectStore is the durable blob store behind uploaded files. Every error it
// returns carries apperr.CodeStore.
type ObjectStore interface {
	// Put writes the object under key, replacing nothing: keys are unique per upload
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// SignedGetURL returns a URL that allows a GET of key until ttl elapses
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	Close() error
}

// NewObjectStore creates the backend named in cfg.Backend
func NewObjectStore(ctx context.Context, cfg config.StorageConfig, publicURL string, logger *logrus.Logger) (ObjectStore, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch cfg.Backend {
	case "filesystem", "":
		return NewFilesystemStore(FilesystemOptions{
			Root:          cfg.Root,
			Bucket:        cfg.Bucket,
			PublicURL:     publicURL,
			SigningKeyID:  cfg.SigningKeyID,
			SigningSecret: cfg.SigningSecret,
			Logger:        logger,
		})
	case "s3":
		return NewS3Store(ctx, cfg.Bucket, cfg.S3, logger)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.GCS, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
