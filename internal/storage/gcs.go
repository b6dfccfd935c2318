package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/sharebox/sharebox/internal/apperr"
	"github.com/sharebox/sharebox/internal/config"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Google Cloud Storage bucket and signs V4 URLs
// with a service account key
type GCSStore struct {
	client     *gcs.Client
	bucket     string
	accessID   string
	privateKey []byte
	logger     *logrus.Logger
}

// NewGCSStore creates the client. Extra client options are appended after the
// credentials file option.
func NewGCSStore(ctx context.Context, bucket string, cfg config.GCSConfig, logger *logrus.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.SigningEmail == "" || cfg.SigningPrivateKey == "" {
		return nil, fmt.Errorf("signing email and private key are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)

	client, err := gcs.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bucket":        bucket,
		"signing_email": cfg.SigningEmail,
	}).Info("GCS object store initialized")

	return &GCSStore{
		client:   client,
		bucket:   bucket,
		accessID: cfg.SigningEmail,

		// keys pasted into env vars usually carry literal \n sequences
		privateKey: []byte(strings.ReplaceAll(cfg.SigningPrivateKey, `\n`, "\n")),
		logger:     logger,
	}, nil
}

// Put streams the object through a GCS writer
func (s *GCSStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := validateKey(key); err != nil {
		return apperr.Store("failed to store object", err)
	}

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return apperr.Store("failed to write object", err)
	}
	if err := w.Close(); err != nil {
		s.logger.WithFields(logrus.Fields{
			"bucket": s.bucket,
			"key":    key,
			"error":  err,
		}).Error("Failed to finalize GCS object")
		return apperr.Store("failed to write object", err)
	}
	return nil
}

// SignedGetURL generates a V4 signed download URL through the bucket handle
func (s *GCSStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", apperr.Store("failed to sign URL", err)
	}

	signed, err := s.client.Bucket(s.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Scheme:         gcs.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: s.accessID,
		PrivateKey:     s.privateKey,
	})
	if err != nil {
		return "", apperr.Store("failed to sign URL", err)
	}
	return signed, nil
}

// Close releases the client's connections
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ ObjectStore = (*GCSStore)(nil)
